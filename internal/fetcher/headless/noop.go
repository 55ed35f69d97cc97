package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in when headless rendering is switched off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, _ newsdesk.FetchRequest) (newsdesk.FetchResponse, error) {
	return newsdesk.FetchResponse{}, ErrDisabled
}
