// Package completion requests tutoring replies from a generative model.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

var (
	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = errors.New("completion credential not configured")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("completion returned no text")
)

// Completer returns assistant text for a prompt tagged with a subject.
type Completer interface {
	Complete(ctx context.Context, prompt string, subject domain.Subject) (string, error)
}

// Named is implemented by providers that report a display name.
type Named interface {
	Name() string
}

// ServiceError reports a completion that could not be produced.
type ServiceError struct {
	Subject domain.Subject
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("completion for %s failed: %v", e.Subject, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// BuildPrompt frames the learner's text for the tutoring model.
func BuildPrompt(prompt string, subject domain.Subject) string {
	return fmt.Sprintf("As an educational AI tutor, provide a detailed explanation for the following %s-related question: %s. \n"+
		"    Focus on clarity and accuracy, and if applicable, include step-by-step explanations.", subject, prompt)
}

// Service wraps a provider with a request timeout and uniform error reporting.
type Service struct {
	provider Completer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates a completion service around provider.
// A zero timeout leaves the caller's deadline untouched.
func NewService(provider Completer, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, timeout: timeout, logger: logger}
}

// Name reports the wrapped provider's name.
func (s *Service) Name() string {
	if named, ok := s.provider.(Named); ok {
		return named.Name()
	}
	return "custom"
}

// Complete implements Completer. Every failure is returned as *ServiceError.
func (s *Service) Complete(ctx context.Context, prompt string, subject domain.Subject) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.provider.Complete(ctx, prompt, subject)
	if err == nil && text == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		s.logger.Warn("Completion failed",
			"provider", s.Name(),
			"subject", subject,
			"prompt_length", len(prompt),
			"duration", time.Since(start),
			"error", err,
		)
		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			return "", svcErr
		}
		return "", &ServiceError{Subject: subject, Err: err}
	}

	s.logger.Info("Completion succeeded",
		"provider", s.Name(),
		"subject", subject,
		"prompt_length", len(prompt),
		"response_length", len(text),
		"duration", time.Since(start),
	)
	return text, nil
}

// Unavailable is a provider that always fails with Err.
type Unavailable struct {
	Err error
}

// Complete implements Completer.
func (u Unavailable) Complete(context.Context, string, domain.Subject) (string, error) {
	return "", u.Err
}

// Name implements Named.
func (u Unavailable) Name() string {
	return "unavailable"
}

// Ensure implementations satisfy Completer.
var (
	_ Completer = (*Service)(nil)
	_ Completer = Unavailable{}
	_ Completer = (*Gemini)(nil)
	_ Named     = (*Service)(nil)
	_ Named     = Unavailable{}
	_ Named     = (*Gemini)(nil)
)
