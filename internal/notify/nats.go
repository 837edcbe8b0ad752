package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// NATS publishes run summaries to a broker.
//
// Subject convention: <prefix>.<status>, e.g. invoices.pipeline.approved, so
// consumers can subscribe to just the dispositions they care about.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to the broker. The connection reconnects forever on its
// own; publish failures while disconnected are logged and dropped.
func NewNATS(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, eris.Wrap(err, "notify: connect nats")
	}
	if prefix == "" {
		prefix = "invoices.pipeline"
	}
	return &NATS{conn: conn, prefix: prefix}, nil
}

// Notify implements Notifier.
func (n *NATS) Notify(_ context.Context, s Summary) {
	data, err := json.Marshal(s)
	if err != nil {
		zap.L().Warn("notify: failed to marshal summary",
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
		return
	}

	subject := fmt.Sprintf("%s.%s", n.prefix, s.Status)
	if err := n.conn.Publish(subject, data); err != nil {
		zap.L().Warn("notify: failed to publish event",
			zap.String("subject", subject),
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("notify: event published",
		zap.String("subject", subject),
		zap.String("run_id", s.RunID),
	)
}

// Close drains the connection.
func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
