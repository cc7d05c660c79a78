package commerce

import (
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// RequestError описывает неуспешное обращение к commerce backend:
// неожиданный HTTP-статус, отсутствующий Location или сетевую ошибку.
type RequestError struct {
	Op         string
	Method     string
	Path       string
	StatusCode int
	Reason     string
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Op, e.Method, e.Path)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": request failed with status %d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap позволяет матчить domain.ErrRequestFailed и исходную причину через errors.Is.
func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrRequestFailed}
	}
	return []error{domain.ErrRequestFailed, e.Err}
}
