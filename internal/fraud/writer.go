package fraud

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cardguard/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// DispositionStore commits a terminal transaction with its audit record.
type DispositionStore interface {
	CommitDisposition(ctx context.Context, tx *domain.Transaction, eval *domain.Evaluation) error
}

// Writer is the disposition writer. It commits through the store, then
// announces the decision on the bus.
type Writer struct {
	store DispositionStore
	bus   Publisher
}

// NewWriter creates a writer. bus may be nil.
func NewWriter(store DispositionStore, bus Publisher) *Writer {
	return &Writer{store: store, bus: bus}
}

// Commit persists tx and records an Evaluation for result. Notification
// failures are logged and never undo the commit.
func (w *Writer) Commit(ctx context.Context, tx *domain.Transaction, result *domain.EvaluationResult) error {
	eval := &domain.Evaluation{
		ID:          uuid.New().String(),
		TxID:        tx.ID,
		Disposition: tx.Disposition,
		Score:       tx.FraudScore,
		Reasons:     tx.FraudReasons,
		Rules:       result.Rules,
		Timestamp:   time.Now().UTC(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		eval.TraceID = sc.TraceID().String()
	}

	if err := w.store.CommitDisposition(ctx, tx, eval); err != nil {
		return err
	}

	w.publish(ctx, domain.TopicDecision, eval)
	if eval.Disposition == domain.DispositionFraud {
		w.publish(ctx, domain.TopicAlert, eval)
	}
	return nil
}

func (w *Writer) publish(ctx context.Context, topic string, eval *domain.Evaluation) {
	if w.bus == nil {
		return
	}
	payload, err := json.Marshal(eval)
	if err != nil {
		slog.Error("failed to encode evaluation", "tx_id", eval.TxID, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish evaluation",
			"topic", topic,
			"tx_id", eval.TxID,
			"error", err,
		)
	}
}
