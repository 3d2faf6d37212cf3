package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nexusraft/waldb/hooks"
)

// DiskHeadroomListener vetoes an append when the filesystem backing the
// log directory has fewer than minFreeBytes available, so a replica runs
// out of disk before a rollover rather than mid-write into a half-written
// segment.
type DiskHeadroomListener struct {
	logger      *slog.Logger
	path        string
	minFreeBytes uint64
}

// NewDiskHeadroomListener creates a listener that checks free space on the
// filesystem holding path before every append.
func NewDiskHeadroomListener(logger *slog.Logger, path string, minFreeBytes uint64) *DiskHeadroomListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DiskHeadroomListener{
		logger:       logger.With("component", "DiskHeadroomListener"),
		path:         path,
		minFreeBytes: minFreeBytes,
	}
}

// OnEvent handles the PreWALAppend event, returning an error to cancel the
// append when free space has dropped below the configured floor.
func (l *DiskHeadroomListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreWALAppend {
		return nil
	}
	if l.minFreeBytes == 0 {
		return nil
	}

	usage, err := disk.UsageWithContext(ctx, l.path)
	if err != nil {
		l.logger.Warn("failed to check disk headroom, allowing append", "path", l.path, "error", err)
		return nil
	}
	if usage.Free < l.minFreeBytes {
		return fmt.Errorf("disk headroom below floor on %s: %d bytes free, floor is %d", l.path, usage.Free, l.minFreeBytes)
	}
	return nil
}

// Priority runs ahead of listeners that only observe, since this one can
// veto the operation.
func (l *DiskHeadroomListener) Priority() int { return 10 }

// IsAsync is false: a veto must happen before the append proceeds.
func (l *DiskHeadroomListener) IsAsync() bool { return false }
