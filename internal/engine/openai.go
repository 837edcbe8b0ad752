package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// OpenAIAdapter extracts invoice fields with an OpenAI vision model. Image
// documents go in as data URLs, text documents inline.
type OpenAIAdapter struct {
	client       *openai.Client
	model        string
	source       DocumentSource
	registry     *model.FieldRegistry
	pricePerCall float64
}

// NewOpenAIAdapter creates the OpenAI-backed extraction adapter.
func NewOpenAIAdapter(apiKey, modelID string, source DocumentSource, reg *model.FieldRegistry, costPerCall float64) *OpenAIAdapter {
	return &OpenAIAdapter{
		client:       openai.NewClient(apiKey),
		model:        modelID,
		source:       source,
		registry:     reg,
		pricePerCall: costPerCall,
	}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Extract implements Adapter.
func (a *OpenAIAdapter) Extract(ctx context.Context, documentRef string, opts Options) (*Extraction, error) {
	cctx, cancel := callTimeout(ctx, opts)
	defer cancel()

	data, contentType, err := a.source.Get(cctx, documentRef)
	if err != nil {
		return nil, eris.Wrapf(err, "openai: fetch document %s", documentRef)
	}

	var userMsg openai.ChatCompletionMessage
	switch {
	case strings.HasPrefix(contentType, "image/"):
		dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
		userMsg = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
				},
				{
					Type: openai.ChatMessagePartTypeText,
					Text: "Extract all invoice fields from this document.",
				},
			},
		}
	case strings.HasPrefix(contentType, "text/"):
		userMsg = openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Extract all invoice fields from this document:\n\n" + string(data),
		}
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "openai: content type %s", contentType)
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: BuildPrompt(a.registry)},
			userMsg,
		},
	})
	latency := time.Since(start)
	if err != nil {
		return nil, a.classify(cctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Wrap(ErrTransient, "openai: empty response")
	}

	fields, err := ParseExtractionJSON(a.Name(), resp.Choices[0].Message.Content, a.registry)
	if err != nil {
		return nil, eris.Wrap(ErrTransient, err.Error())
	}

	zap.L().Debug("openai: extraction complete",
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

func (a *OpenAIAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return eris.Wrap(ErrTimeout, "openai: call deadline exceeded")
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return eris.Wrap(ErrUnauthorized, "openai: credentials rejected")
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return eris.Wrapf(ErrTransient, "openai: status %d", apiErr.HTTPStatusCode)
		case apiErr.HTTPStatusCode == 413 || apiErr.HTTPStatusCode == 415:
			return eris.Wrapf(ErrUnsupportedFormat, "openai: status %d", apiErr.HTTPStatusCode)
		}
		return eris.Wrapf(ErrPermanent, "openai: status %d", apiErr.HTTPStatusCode)
	}
	return eris.Wrap(ErrTransient, err.Error())
}
