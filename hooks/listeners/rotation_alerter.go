package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nexusraft/waldb/hooks"
)

// RotationAlerterListener logs a warning when a sealed segment's size
// exceeds sizeThresholdBytes, which usually means the rollover threshold
// was configured too high for the write rate this replica is seeing.
type RotationAlerterListener struct {
	logger             *slog.Logger
	sizeThresholdBytes int64
}

// NewRotationAlerterListener creates a new listener for monitoring segment
// rotations larger than sizeThresholdBytes.
func NewRotationAlerterListener(logger *slog.Logger, sizeThresholdBytes int64) *RotationAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RotationAlerterListener{
		logger:             logger.With("component", "RotationAlerterListener"),
		sizeThresholdBytes: sizeThresholdBytes,
	}
}

// OnEvent handles the PostWALRotate event.
func (l *RotationAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostWALRotate {
		return nil // Ignore other events
	}

	payload, ok := event.Payload().(hooks.PostWALRotatePayload)
	if !ok {
		l.logger.Error("Received PostWALRotate event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if l.sizeThresholdBytes > 0 && payload.SealedSegment.ByteSize > l.sizeThresholdBytes {
		l.logger.Warn("WAL segment rotated larger than expected",
			"segment", payload.SealedSegment.FileName,
			"size_bytes", payload.SealedSegment.ByteSize,
			"threshold_bytes", l.sizeThresholdBytes,
		)
	}

	return nil
}

// Priority defines the execution order.
func (l *RotationAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *RotationAlerterListener) IsAsync() bool { return true }
