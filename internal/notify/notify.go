// Package notify announces finished pipeline runs to downstream consumers.
// Delivery is best-effort: failures are logged, never returned to the
// pipeline, so a dead webhook or broker cannot fail a run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// Summary is the outbound view of a finished run.
type Summary struct {
	RunID       string            `json:"run_id"`
	DocumentRef string            `json:"document_ref"`
	UnitID      string            `json:"unit_id"`
	Status      model.RunStatus   `json:"status"`
	Disposition model.Disposition `json:"disposition,omitempty"`
	Score       float64           `json:"score"`
	Confidence  float64           `json:"confidence"`
	Findings    int               `json:"findings"`
	Error       string            `json:"error,omitempty"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// NewSummary builds a summary from a finished run.
func NewSummary(run *model.PipelineRun, findings int) Summary {
	return Summary{
		RunID:       run.ID,
		DocumentRef: run.DocumentRef,
		UnitID:      run.UnitID,
		Status:      run.Status,
		Disposition: run.Disposition,
		Score:       run.Score,
		Confidence:  run.Confidence,
		Findings:    findings,
		Error:       run.Error,
		FinishedAt:  time.Now().UTC(),
	}
}

// Notifier delivers run summaries. Implementations never return errors to
// the pipeline; they log and move on.
type Notifier interface {
	Notify(ctx context.Context, s Summary)
}

// Multi fans a summary out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s Summary) {
	for _, n := range m {
		n.Notify(ctx, s)
	}
}

// Webhook posts summaries to a single URL as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, s Summary) {
	if w.url == "" {
		return
	}
	if err := w.send(ctx, s); err != nil {
		zap.L().Error("notify: webhook delivery failed",
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("notify: webhook delivered",
		zap.String("run_id", s.RunID),
		zap.String("status", string(s.Status)),
	)
}

func (w *Webhook) send(ctx context.Context, s Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "notify: marshal summary")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
