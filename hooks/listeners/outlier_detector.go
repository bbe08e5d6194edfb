package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nexusdb/tabletwal/hooks"
)

// SizeThresholds bounds the acceptable payload size, in bytes, for a
// replicated entry.
type SizeThresholds struct {
	Min int
	Max int
}

// PayloadSizeOutlierListener flags replicate entries whose payload falls
// outside configured size thresholds before they are appended — useful for
// catching a misbehaving client sending unexpectedly tiny (likely
// truncated) or huge (likely misrouted) writes.
type PayloadSizeOutlierListener struct {
	logger     *slog.Logger
	thresholds SizeThresholds
}

// NewPayloadSizeOutlierListener creates a listener for hooks.EventPreAppend.
func NewPayloadSizeOutlierListener(logger *slog.Logger, thresholds SizeThresholds) *PayloadSizeOutlierListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PayloadSizeOutlierListener{
		logger:     logger.With("component", "PayloadSizeOutlierListener"),
		thresholds: thresholds,
	}
}

func (l *PayloadSizeOutlierListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreAppend {
		return nil
	}

	payload, ok := event.Payload().(hooks.PreAppendPayload)
	if !ok {
		l.logger.Error("received PreAppend event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	for _, entry := range payload.Entries {
		size := len(entry.Payload)
		if size < l.thresholds.Min || size > l.thresholds.Max {
			l.logger.Warn("replicate payload size outlier",
				"term", entry.OpID.Term,
				"index", entry.OpID.Index,
				"size", size,
				"min_threshold", l.thresholds.Min,
				"max_threshold", l.thresholds.Max,
			)
		}
	}

	// Detection only; never rejects the batch.
	return nil
}

func (l *PayloadSizeOutlierListener) Priority() int { return 100 }
func (l *PayloadSizeOutlierListener) IsAsync() bool { return false }
