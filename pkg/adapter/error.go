package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// AdapterError wraps backend failures with the HTTP status, when one is known.
type AdapterError struct {
	Adapter   string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	prefix := e.Adapter
	if prefix == "" {
		prefix = "adapter"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return fmt.Sprintf("%s: status %d", prefix, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// statusError builds an AdapterError for a non-2xx HTTP response.
func statusError(adapter string, status int, body []byte) error {
	return providerError(adapter, status, fmt.Errorf("status %d: %s", status, truncate(string(body), 512)))
}

// providerError wraps an SDK failure. status is 0 when the SDK did not
// surface an HTTP response.
func providerError(adapter string, status int, err error) error {
	return &AdapterError{
		Adapter:   adapter,
		Status:    status,
		Temporary: retryableStatus(status),
		Err:       err,
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Temporary || retryableStatus(adapterErr.Status)
	}
	return false
}
