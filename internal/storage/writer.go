package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nerdhub/internal/presence"
)

// Writer copies registry snapshots into a Mirror from a single goroutine.
// Bursts collapse to the newest snapshot; a failed write is logged and the
// next snapshot tries again.
type Writer struct {
	mirror  Mirror
	latest  *presence.Latest
	timeout time.Duration
	logger  *zap.Logger
	written chan uint64
}

func NewWriter(mirror Mirror, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		mirror:  mirror,
		latest:  presence.NewLatest(),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Publish implements presence.Observer.
func (w *Writer) Publish(s presence.Snapshot) {
	w.latest.Publish(s)
}

// Run writes until ctx is done. The last pending snapshot is flushed on exit.
func (w *Writer) Run(ctx context.Context) {
	var lastSeq uint64
	wrote := false
	flush := func(parent context.Context) {
		snap, ok := w.latest.Load()
		if !ok || (wrote && snap.Seq <= lastSeq) {
			return
		}
		writeCtx, cancel := context.WithTimeout(parent, w.timeout)
		defer cancel()
		if err := w.mirror.Write(writeCtx, snap); err != nil {
			w.logger.Warn("mirror write failed", zap.Uint64("seq", snap.Seq), zap.Error(err))
			return
		}
		lastSeq, wrote = snap.Seq, true
		if w.written != nil {
			select {
			case w.written <- snap.Seq:
			default:
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return
		case <-w.latest.Ready():
			flush(ctx)
		}
	}
}
