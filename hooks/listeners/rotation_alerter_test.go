package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusraft/waldb/hooks"
	"github.com/nexusraft/waldb/raftlog"
)

func TestRotationAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewRotationAlerterListener(logger, 1024)
	require.NotNil(t, listener)

	t.Run("Warns when sealed segment exceeds threshold", func(t *testing.T) {
		logBuf.Reset()

		payload := hooks.PostWALRotatePayload{
			SealedSegment: raftlog.SegmentMetaData{FileName: "0-1.wal", ByteSize: 2048},
		}
		event := hooks.NewPostWALRotateEvent(payload)

		err := listener.OnEvent(context.Background(), event)
		require.NoError(t, err)

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "larger than expected")
		assert.Contains(t, logOutput, `"segment":"0-1.wal"`)
	})

	t.Run("Stays silent when below threshold", func(t *testing.T) {
		logBuf.Reset()

		payload := hooks.PostWALRotatePayload{
			SealedSegment: raftlog.SegmentMetaData{FileName: "1-3.wal", ByteSize: 512},
		}
		event := hooks.NewPostWALRotateEvent(payload)

		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})

	t.Run("Ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})
}
