package mq

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// lookupEncoding ищет кодировку по имени (IANA, затем WHATWG-метки).
func lookupEncoding(name string) (encoding.Encoding, error) {
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc, nil
	}
	if enc, err := htmlindex.Get(name); err == nil {
		return enc, nil
	}
	return nil, fmt.Errorf("%w: unknown encoding %q", ErrConfiguration, name)
}

// ValidateEncoding проверяет, что кодировка поддерживается.
func ValidateEncoding(name string) error {
	if name == "" {
		return nil
	}
	_, err := lookupEncoding(name)
	return err
}

// encodeBody кодирует текст сообщения в указанную кодировку.
func encodeBody(text, name string) ([]byte, error) {
	if name == "" {
		return []byte(text), nil
	}

	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}

	out, err := enc.NewEncoder().String(text)
	if err != nil {
		return nil, fmt.Errorf("%w: encode as %s: %v", ErrConfiguration, name, err)
	}
	return []byte(out), nil
}

// decodeBody декодирует тело сообщения. Пустое имя — байты как есть.
func decodeBody(body []byte, name string) (string, error) {
	if name == "" {
		return string(body), nil
	}

	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode as %s: %w", name, err)
	}
	return string(out), nil
}
