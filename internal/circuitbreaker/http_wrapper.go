package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an upstream HTTP provider with a circuit breaker.
// Transport errors and 5xx responses count as failures; 4xx responses do not
// trip the breaker. When the breaker is open, Do fails in microseconds
// without touching the network.
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewHTTPWrapper wraps client with a breaker under the given name.
func NewHTTPWrapper(name string, client *http.Client, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     New(name, config, logger),
		logger: logger,
	}
}

// Do executes the request through the breaker. A 5xx response is returned to
// the caller with a nil error; only the breaker treats it as a failure.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = hw.client.Do(req)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the breaker state for health checks.
func (hw *HTTPWrapper) State() State {
	return hw.cb.State()
}

// httpStatusError marks 5xx responses for breaker accounting.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
