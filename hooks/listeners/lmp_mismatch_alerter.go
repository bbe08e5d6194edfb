package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nexusdb/tabletwal/hooks"
)

// LMPMismatchAlerterListener logs a warning whenever a peer push fails the
// log-matching-property check, the kind of event an operator wants paged on
// if it happens repeatedly against the same peer (it usually means a stuck
// or partitioned replica).
type LMPMismatchAlerterListener struct {
	logger *slog.Logger
}

// NewLMPMismatchAlerterListener creates a listener for hooks.EventOnLMPMismatch.
func NewLMPMismatchAlerterListener(logger *slog.Logger) *LMPMismatchAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LMPMismatchAlerterListener{
		logger: logger.With("component", "LMPMismatchAlerterListener"),
	}
}

func (l *LMPMismatchAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnLMPMismatch {
		return nil
	}

	payload, ok := event.Payload().(hooks.LMPMismatchPayload)
	if !ok {
		l.logger.Error("received OnLMPMismatch event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Warn("log-matching-property mismatch, truncating to committed index",
		"peer_term", payload.PeerTerm,
		"preceding_term", payload.PrecedingOpID.Term,
		"preceding_index", payload.PrecedingOpID.Index,
		"local_term", payload.LocalOpID.Term,
		"local_index", payload.LocalOpID.Index,
	)

	return nil
}

func (l *LMPMismatchAlerterListener) Priority() int { return 100 }
func (l *LMPMismatchAlerterListener) IsAsync() bool { return true }
