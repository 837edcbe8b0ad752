package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// AnthropicAdapter extracts invoice fields with a Claude model. PDF documents
// go in as document blocks, text documents as plain-text sources.
type AnthropicAdapter struct {
	client       sdk.Client
	model        string
	maxTokens    int64
	source       DocumentSource
	registry     *model.FieldRegistry
	pricePerCall float64
}

// NewAnthropicAdapter creates the Claude-backed extraction adapter.
func NewAnthropicAdapter(apiKey, modelID string, maxTokens int64, source DocumentSource, reg *model.FieldRegistry, costPerCall float64) *AnthropicAdapter {
	return &AnthropicAdapter{
		client:       sdk.NewClient(option.WithAPIKey(apiKey)),
		model:        modelID,
		maxTokens:    maxTokens,
		source:       source,
		registry:     reg,
		pricePerCall: costPerCall,
	}
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Extract implements Adapter.
func (a *AnthropicAdapter) Extract(ctx context.Context, documentRef string, opts Options) (*Extraction, error) {
	cctx, cancel := callTimeout(ctx, opts)
	defer cancel()

	data, contentType, err := a.source.Get(cctx, documentRef)
	if err != nil {
		return nil, eris.Wrapf(err, "anthropic: fetch document %s", documentRef)
	}

	var docBlock sdk.ContentBlockParamUnion
	switch {
	case contentType == "application/pdf":
		docBlock = sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(data),
		})
	case strings.HasPrefix(contentType, "text/"):
		docBlock = sdk.NewDocumentBlock(sdk.PlainTextSourceParam{
			Data: string(data),
		})
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "anthropic: content type %s", contentType)
	}

	start := time.Now()
	msg, err := a.client.Messages.New(cctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: BuildPrompt(a.registry)},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				docBlock,
				sdk.NewTextBlock("Extract all invoice fields from this document."),
			),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return nil, a.classify(cctx, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	fields, err := ParseExtractionJSON(a.Name(), text.String(), a.registry)
	if err != nil {
		// Malformed model output is retryable; the model is nondeterministic.
		return nil, eris.Wrap(ErrTransient, err.Error())
	}

	zap.L().Debug("anthropic: extraction complete",
		zap.String("document", documentRef),
		zap.Int("fields", len(fields)),
		zap.Duration("latency", latency),
	)

	return &Extraction{
		Engine:  a.Name(),
		Fields:  fields,
		Latency: latency,
		CostUSD: a.pricePerCall,
	}, nil
}

func (a *AnthropicAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return eris.Wrap(ErrTimeout, "anthropic: call deadline exceeded")
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return eris.Wrap(ErrUnauthorized, "anthropic: credentials rejected")
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return eris.Wrapf(ErrTransient, "anthropic: status %d", apiErr.StatusCode)
		case apiErr.StatusCode == 413 || apiErr.StatusCode == 415:
			return eris.Wrapf(ErrUnsupportedFormat, "anthropic: status %d", apiErr.StatusCode)
		}
		return eris.Wrapf(ErrPermanent, "anthropic: status %d", apiErr.StatusCode)
	}
	return eris.Wrap(ErrTransient, err.Error())
}
