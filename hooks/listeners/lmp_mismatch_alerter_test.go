package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/hooks"
	"github.com/nexusdb/tabletwal/walcore"
)

func TestLMPMismatchAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewLMPMismatchAlerterListener(logger)
	require.NotNil(t, listener)

	t.Run("handles OnLMPMismatch event", func(t *testing.T) {
		logBuf.Reset()

		payload := hooks.LMPMismatchPayload{
			PeerTerm:      3,
			PrecedingOpID: walcore.OpID{Term: 3, Index: 7},
			LocalOpID:     walcore.OpID{Term: 2, Index: 7},
		}
		event := hooks.NewOnLMPMismatchEvent(payload)

		require.NoError(t, listener.OnEvent(context.Background(), event))

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "log-matching-property mismatch")
		assert.Contains(t, logOutput, `"peer_term":3`)
	})

	t.Run("ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostGCEvent(hooks.GCPayload{})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})
}
