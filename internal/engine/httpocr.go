package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// HTTPOCRAdapter calls a REST OCR/field-extraction service that accepts a raw
// document upload and returns per-field values with confidences.
type HTTPOCRAdapter struct {
	name         string
	baseURL      string
	apiKey       string
	client       *http.Client
	source       DocumentSource
	registry     *model.FieldRegistry
	pricePerCall float64
}

// HTTPOCROption configures the HTTP OCR adapter.
type HTTPOCROption func(*HTTPOCRAdapter)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(hc *http.Client) HTTPOCROption {
	return func(a *HTTPOCRAdapter) {
		a.client = hc
	}
}

// WithName overrides the adapter name so several OCR services can be
// registered side by side.
func WithName(name string) HTTPOCROption {
	return func(a *HTTPOCRAdapter) {
		a.name = name
	}
}

// NewHTTPOCRAdapter creates the REST OCR extraction adapter.
func NewHTTPOCRAdapter(apiKey, baseURL string, source DocumentSource, reg *model.FieldRegistry, costPerCall float64, opts ...HTTPOCROption) *HTTPOCRAdapter {
	a := &HTTPOCRAdapter{
		name:         "httpocr",
		baseURL:      baseURL,
		apiKey:       apiKey,
		client:       &http.Client{Timeout: 120 * time.Second},
		source:       source,
		registry:     reg,
		pricePerCall: costPerCall,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Adapter.
func (a *HTTPOCRAdapter) Name() string { return a.name }

// ocrResponse is the service's wire format.
type ocrResponse struct {
	Fields map[string]struct {
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
		RawText    string  `json:"raw_text"`
	} `json:"fields"`
	Error string `json:"error,omitempty"`
}

// Extract implements Adapter.
func (a *HTTPOCRAdapter) Extract(ctx context.Context, documentRef string, opts Options) (*Extraction, error) {
	cctx, cancel := callTimeout(ctx, opts)
	defer cancel()

	data, contentType, err := a.source.Get(cctx, documentRef)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: fetch document %s", a.name, documentRef)
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, a.baseURL+"/v1/extract", bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", a.name)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, eris.Wrapf(ErrTimeout, "%s: call deadline exceeded", a.name)
		}
		return nil, eris.Wrapf(ErrTransient, "%s: %v", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(ErrTransient, "%s: read body: %v", a.name, err)
	}

	var parsed ocrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrapf(ErrTransient, "%s: malformed response: %v", a.name, err)
	}
	if parsed.Error != "" {
		return nil, eris.Wrapf(ErrPermanent, "%s: service error: %s", a.name, parsed.Error)
	}

	fields := make(map[string]model.FieldValue, len(parsed.Fields))
	for key, f := range parsed.Fields {
		def := a.registry.ByKey(key)
		if def == nil {
			continue
		}
		value, ok := coerceValue(f.Value, def.Kind)
		if !ok {
			continue
		}
		fields[key] = model.FieldValue{
			Key:        key,
			Value:      value,
			RawText:    f.RawText,
			Engine:     a.name,
			Confidence: clampConfidence(f.Confidence),
		}
	}
	if len(fields) == 0 {
		return nil, eris.Wrapf(ErrTransient, "%s: no usable fields", a.name)
	}

	zap.L().Debug("httpocr: extraction complete",
		zap.String("engine", a.name),
		zap.String("document", documentRef),
		zap.Int("fields", len(fields)),
		zap.Duration("latency", latency),
	)

	return &Extraction{
		Engine:  a.name,
		Fields:  fields,
		Latency: latency,
		CostUSD: a.pricePerCall,
	}, nil
}

func (a *HTTPOCRAdapter) classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return eris.Wrapf(ErrUnauthorized, "%s: status %d", a.name, status)
	case status == http.StatusUnsupportedMediaType || status == http.StatusRequestEntityTooLarge:
		return eris.Wrapf(ErrUnsupportedFormat, "%s: status %d", a.name, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return eris.Wrapf(ErrTransient, "%s: status %d", a.name, status)
	default:
		return eris.Wrapf(ErrPermanent, "%s: status %d", a.name, status)
	}
}
