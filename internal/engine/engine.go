// Package engine defines the uniform adapter contract around concrete
// extraction capabilities. Adapters enforce a hard per-call timeout and never
// retry internally; retry and fallback policy lives in the orchestrator.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// Failure kinds for engine calls. Adapters wrap one of these sentinels so the
// orchestrator can classify without knowing transport details.
var (
	ErrTimeout           = eris.New("engine: timeout")
	ErrUnauthorized      = eris.New("engine: unauthorized")
	ErrUnsupportedFormat = eris.New("engine: unsupported format")
	ErrTransient         = eris.New("engine: transient failure")
	ErrPermanent         = eris.New("engine: permanent failure")
)

// Kind names a failure classification.
type Kind string

const (
	KindNone              Kind = ""
	KindTimeout           Kind = "timeout"
	KindUnauthorized      Kind = "unauthorized"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindTransient         Kind = "transient"
	KindPermanent         Kind = "permanent"
)

// Retryable reports whether a fallback engine may be tried after this kind.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindTransient
}

// Classify maps an adapter error to its failure kind. Unknown errors count as
// permanent: falling back on them would hide real defects.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case eris.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case eris.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case eris.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case eris.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindPermanent
	}
}

// Options tunes a single extraction call.
type Options struct {
	Timeout time.Duration
}

// Extraction is the successful result of one engine call.
type Extraction struct {
	Engine  string                      `json:"engine"`
	Fields  map[string]model.FieldValue `json:"fields"`
	Latency time.Duration               `json:"latency"`
	CostUSD float64                     `json:"cost_usd"`
}

// Confidence returns the whole-extraction aggregate confidence.
func (e *Extraction) Confidence(reg *model.FieldRegistry) float64 {
	rec := model.InvoiceRecord{Fields: e.Fields}
	return rec.Confidence(reg)
}

// DocumentSource fetches raw document bytes for a locator. The orchestrator
// side of the pipeline only ever reads.
type DocumentSource interface {
	Get(ctx context.Context, locator string) (data []byte, contentType string, err error)
}

// Adapter wraps one concrete extraction capability.
type Adapter interface {
	Name() string
	Extract(ctx context.Context, documentRef string, opts Options) (*Extraction, error)
}

// Registry manages the available extraction adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns an adapter by name, or nil if not registered.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// List returns all registered adapter names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// callTimeout derives the per-call context. A zero timeout means the caller's
// deadline governs.
func callTimeout(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	if opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, opts.Timeout)
}
