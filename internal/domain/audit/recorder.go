package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/metrics"
)

// Recorder stamps entries with time-ordered snowflake ids and appends them.
type Recorder struct {
	log  Log
	node *snowflake.Node
	now  func() time.Time
}

// NewRecorder builds a Recorder. nodeID must be unique per process writing
// to a shared log (0-1023).
func NewRecorder(log Log, nodeID int64, now func() time.Time) (*Recorder, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("audit node %d: %w", nodeID, err)
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{log: log, node: node, now: now}, nil
}

// Record appends one entry for a stage outcome.
func (r *Recorder) Record(ctx context.Context, eventID string, attempt int, stage model.Stage, outcome model.Outcome, detail string) error {
	entry := model.AuditEntry{
		ID:            r.node.Generate().Int64(),
		EventID:       eventID,
		AttemptNumber: attempt,
		Stage:         stage,
		Outcome:       outcome,
		Detail:        detail,
		Timestamp:     r.now().UTC(),
	}
	if err := r.log.Append(ctx, entry); err != nil {
		metrics.RecordErrorByComponent("audit", "append")
		return fmt.Errorf("audit %s/%s for %s: %w", stage, outcome, eventID, err)
	}
	metrics.RecordStageOutcome(string(stage), string(outcome))
	return nil
}

// Log returns the underlying log.
func (r *Recorder) Log() Log { return r.log }
