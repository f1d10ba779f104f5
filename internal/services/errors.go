package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientMedia reports a photo burst with fewer than the minimum image count.
	ErrInsufficientMedia = errors.New("insufficient media")
	// ErrFileTooLarge reports a source file above the configured upload cap.
	ErrFileTooLarge = errors.New("file too large")
	// ErrTaskNotFound reports an HTTP 404 for a task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTransport covers connectivity failures and timeouts.
	ErrTransport = errors.New("transport error")
	// ErrMalformedResponse covers responses that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrUnknownStatus reports a job status value the client does not recognise.
	ErrUnknownStatus = errors.New("unknown job status")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
)

// ServerError is a non-success HTTP response reported by the reconstruction service.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e == nil {
		return "server error"
	}
	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "server error: " + message
}

// Wrap builds an error message that includes operation context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransport
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsClientValidation reports whether err was raised before any network call.
func IsClientValidation(err error) bool {
	return errors.Is(err, ErrInsufficientMedia) || errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrValidation)
}

// StatusCode extracts the HTTP status code carried by a ServerError, or 0.
func StatusCode(err error) int {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.StatusCode
	}
	return 0
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
