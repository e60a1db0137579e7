// Package forward - Per-forward-pass state carried through context.Context.
package forward

import (
	"context"
	"sync/atomic"

	"github.com/nvr-ai/layerbench/inference/attention"
	"github.com/pkg/errors"
)

var (
	// ErrNoForwardContext is returned when no forward context is set.
	ErrNoForwardContext = errors.New("forward context is not set")
	// ErrForwardContextReleased is returned after the scope that set the
	// context has been released.
	ErrForwardContextReleased = errors.New("forward context has been released")
	// ErrNoLayerMetadata is returned when a layer has no attention metadata.
	ErrNoLayerMetadata = errors.New("no attention metadata for layer")
)

// GraphMode selects how a forward pass would be captured for replay.
type GraphMode int

const (
	// GraphModeNone runs eagerly.
	GraphModeNone GraphMode = iota
	// GraphModePiecewise captures everything except attention.
	GraphModePiecewise
	// GraphModeFull captures the whole forward.
	GraphModeFull
)

func (m GraphMode) String() string {
	switch m {
	case GraphModeNone:
		return "none"
	case GraphModePiecewise:
		return "piecewise"
	case GraphModeFull:
		return "full"
	default:
		return "unknown"
	}
}

// BatchDescriptor identifies the batch shape of a forward pass.
type BatchDescriptor struct {
	NumTokens     int  `json:"numTokens"`
	UniformDecode bool `json:"uniformDecode"`
}

// Context is the state shared by every layer of one forward pass.
type Context struct {
	// AttnMetadata maps attention layer names to their metadata.
	AttnMetadata      map[string]*attention.Metadata
	NumTokens         int
	NumTokensAcrossDP []int
	GraphMode         GraphMode
	Batch             BatchDescriptor
}

// Metadata returns the attention metadata of layer.
func (c *Context) Metadata(layer string) (*attention.Metadata, error) {
	md, ok := c.AttnMetadata[layer]
	if !ok || md == nil {
		return nil, errors.Wrapf(ErrNoLayerMetadata, "%q", layer)
	}
	return md, nil
}

type scope struct {
	fc       *Context
	released atomic.Bool
}

type contextKey struct{}

// Set returns a child of ctx carrying fc and a release func that ends the
// scope. Lookups through the returned context fail with
// ErrForwardContextReleased once release has run. Release is idempotent.
//
// Arguments:
//   - ctx: The parent context.
//   - fc: The forward context.
//
// Returns:
//   - context.Context: The scoped context.
//   - func(): Ends the scope.
func Set(ctx context.Context, fc *Context) (context.Context, func()) {
	s := &scope{fc: fc}
	return context.WithValue(ctx, contextKey{}, s), func() { s.released.Store(true) }
}

// FromContext returns the forward context of the innermost live scope.
func FromContext(ctx context.Context) (*Context, error) {
	s, ok := ctx.Value(contextKey{}).(*scope)
	if !ok || s.fc == nil {
		return nil, ErrNoForwardContext
	}
	if s.released.Load() {
		return nil, ErrForwardContextReleased
	}
	return s.fc, nil
}
