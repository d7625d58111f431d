package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/501336North/oss-supervisor/state"
)

// Handler translates canonical requests for one provider.
type Handler interface {
	// Provider is the model-string prefix this handler serves.
	Provider() string
	// Healthy probes the downstream service.
	Healthy(ctx context.Context) error
	// Complete performs one request/response exchange. The model name
	// passed in has the provider prefix already stripped.
	Complete(ctx context.Context, model string, req *Request) (*Response, error)
}

// upstreamError carries an HTTP status from a downstream provider so the
// proxy can mirror it to the client.
type upstreamError struct {
	status  int
	message string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.message)
}

func (e *upstreamError) Unwrap() error { return state.ErrUpstreamUnavailable }

// asUpstream extracts the mirrored status from an error chain.
func asUpstream(err error) (*upstreamError, bool) {
	var ue *upstreamError
	ok := errors.As(err, &ue)
	return ue, ok
}
