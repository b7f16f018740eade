package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration     = errors.New("ai configuration error")
	ErrClient            = errors.New("ai client error")
	ErrServer            = errors.New("ai server error")
	ErrTimeout           = errors.New("ai request timeout")
	ErrMalformedResponse = errors.New("ai malformed response")
)

const maxErrorDetail = 512

// Error describes a failed AI call. Kind is one of the Err* sentinels above.
type Error struct {
	Kind     error
	Status   int
	Attempts int
	Detail   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Retryable reports whether the failure class is retried by the client.
func (e *Error) Retryable() bool {
	return e.Kind == ErrServer || e.Kind == ErrTimeout
}

func (e *Error) Fatal() bool {
	return e.Kind == ErrConfiguration
}

func newError(kind error, status int, detail string) *Error {
	return &Error{Kind: kind, Status: status, Attempts: 1, Detail: clip(detail, maxErrorDetail)}
}

// Malformed reports a reply that parsed but cannot be used where it arrived.
func Malformed(detail string) *Error {
	return newError(ErrMalformedResponse, 0, detail)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// redact removes the API key from text that may be echoed back by the provider.
func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, maskSecret(secret))
}

func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
