package archive

import (
	"context"
	"log/slog"
)

// downloadSlots limits concurrent attachment downloads for one Writer.
type downloadSlots chan struct{}

func newDownloadSlots(n int) downloadSlots {
	if n < 1 {
		n = 1
	}
	return make(downloadSlots, n)
}

// acquire blocks until a slot is free or ctx is canceled.
// Returns true if the slot was acquired.
func (s downloadSlots) acquire(ctx context.Context) bool {
	select {
	case s <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s downloadSlots) release() {
	select {
	case <-s:
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("download slot release called without corresponding acquire")
	}
}

// ActiveDownloads returns the number of downloads holding a slot.
func (w *Writer) ActiveDownloads() int { return len(w.slots) }

// MaxConcurrentDownloads returns the configured download limit.
func (w *Writer) MaxConcurrentDownloads() int { return cap(w.slots) }
