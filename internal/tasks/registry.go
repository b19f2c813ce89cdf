package tasks

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry — реестр callable'ов по имени.
//
// Потокобезопасен. Имя — точечный идентификатор ("carrot.echo"),
// который хранится в task и приходит из enqueue.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// Default создаёт реестр со встроенными callable'ами.
func Default() *Registry {
	r := NewRegistry()

	r.MustRegister(NameEcho, Echo)
	r.MustRegister(NameSleep, Sleep)
	r.MustRegister(NameFail, Fail)
	r.MustRegister(NameHTTPRequest, NewHTTPRequest(nil))

	return r
}

// Register регистрирует callable.
// Повторная регистрация имени возвращает ErrDuplicateCallable.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: callable name is required", ErrInvalidArgs)
	}
	if fn == nil {
		return fmt.Errorf("%w: callable %s is nil", ErrInvalidArgs, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCallable, name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister — Register, паникующий при ошибке. Для init и main.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup возвращает callable по имени.
// Возвращает ErrUnknownCallable, если он не зарегистрирован.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, exists := r.funcs[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallable, name)
	}
	return fn, nil
}

// Has проверяет, зарегистрирован ли callable.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.funcs[name]
	return exists
}

// Names возвращает отсортированный список имён.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
