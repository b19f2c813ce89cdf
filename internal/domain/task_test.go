package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNewTask_Pending(t *testing.T) {
	task := NewTask("carrot.echo", "default", nil, nil)

	if task.Status != TaskStatusPending {
		t.Errorf("expected PENDING, got %s", task.Status)
	}
	if task.Args == nil || task.Kwargs == nil {
		t.Error("args and kwargs should be initialized")
	}
	if task.StartedAt != nil || task.CompletedAt != nil || task.ExitCode != nil {
		t.Error("outcome fields must be empty on creation")
	}
}

func TestTask_Lifecycle_Completed(t *testing.T) {
	task := NewTask("carrot.echo", "default", nil, nil)
	now := task.CreatedAt.Add(time.Second)

	if err := task.MarkRunning(now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := task.MarkCompleted(now.Add(time.Second), "ok"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if task.Status != TaskStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", task.Status)
	}
	if task.ExitCode == nil || *task.ExitCode != ExitCodeSuccess {
		t.Errorf("expected exit code 0, got %v", task.ExitCode)
	}
	if task.Duration() != time.Second {
		t.Errorf("expected 1s duration, got %v", task.Duration())
	}
}

func TestTask_MarkFailed_ZeroExitCodeBecomesFailure(t *testing.T) {
	task := NewTask("carrot.fail", "default", nil, nil)
	_ = task.MarkRunning(time.Now())

	if err := task.MarkFailed(time.Now(), 0, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if *task.ExitCode != ExitCodeFailure {
		t.Errorf("expected exit code 1, got %d", *task.ExitCode)
	}
	if task.Message != "boom" {
		t.Errorf("unexpected message %q", task.Message)
	}
}

func TestTask_NoReverseTransitions(t *testing.T) {
	task := NewTask("carrot.echo", "default", nil, nil)

	// Нельзя завершить task, который не запущен
	if err := task.MarkCompleted(time.Now(), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	_ = task.MarkRunning(time.Now())
	_ = task.MarkCompleted(time.Now(), "")

	if err := task.MarkRunning(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for COMPLETED -> RUNNING, got %v", err)
	}
	if err := task.MarkFailed(time.Now(), 1, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for COMPLETED -> FAILED, got %v", err)
	}
}

func TestTask_TimestampsNeverGoBackwards(t *testing.T) {
	task := NewTask("carrot.echo", "default", nil, nil)
	past := task.CreatedAt.Add(-time.Hour)

	_ = task.MarkRunning(past)
	if task.StartedAt.Before(task.CreatedAt) {
		t.Error("started_at must not be earlier than created_at")
	}

	_ = task.MarkCompleted(past, "")
	if task.CompletedAt.Before(*task.StartedAt) {
		t.Error("completed_at must not be earlier than started_at")
	}
}

func TestParseTaskStatus(t *testing.T) {
	if s, ok := ParseTaskStatus("RUNNING"); !ok || s != TaskStatusRunning {
		t.Errorf("expected RUNNING, got %q %v", s, ok)
	}
	if _, ok := ParseTaskStatus("QUEUED"); ok {
		t.Error("QUEUED is not a valid status")
	}
	if !TaskStatusFailed.IsTerminal() || TaskStatusRunning.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
}

func TestTask_MessageIsValidUTF8(t *testing.T) {
	task := NewTask("carrot.fail", "default", nil, nil)
	if err := task.MarkRunning(time.Now()); err != nil {
		t.Fatal(err)
	}

	// Обрезанная посередине кириллица и NUL из вывода callable'а
	raw := "oш\xd0 \x00done"
	if err := task.MarkFailed(time.Now(), 1, raw); err != nil {
		t.Fatal(err)
	}

	if !utf8.ValidString(task.Message) {
		t.Errorf("message is not valid UTF-8: %q", task.Message)
	}
	if strings.ContainsRune(task.Message, 0) {
		t.Errorf("message contains NUL: %q", task.Message)
	}
	if task.Message != "oш\uFFFD done" {
		t.Errorf("unexpected message %q", task.Message)
	}
}
