package voice

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Journal records what happened in a session. Its errors are logged and
// never affect the session.
type Journal interface {
	SessionStarted(ctx context.Context, id, displayName string, at time.Time) error
	FailedOver(ctx context.Context, id, reason string, at time.Time) error
	TurnRecorded(ctx context.Context, id, role, engine, text string, at time.Time) error
	SessionEnded(ctx context.Context, id, finalMode string, at time.Time) error
}

const journalTimeout = 5 * time.Second

// journalWriter runs journal calls in order on its own goroutine so a slow
// database never stalls the event loop.
type journalWriter struct {
	log   *log.Logger
	queue chan func(ctx context.Context) error
	done  chan struct{}
}

func newJournalWriter(logger *log.Logger) *journalWriter {
	w := &journalWriter{
		log:   logger,
		queue: make(chan func(ctx context.Context) error, 64),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *journalWriter) run() {
	defer close(w.done)
	for write := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := write(ctx); err != nil {
			w.log.Warn("journal write failed", "error", err)
		}
		cancel()
	}
}

func (w *journalWriter) add(write func(ctx context.Context) error) {
	select {
	case w.queue <- write:
	default:
		w.log.Warn("journal queue full, dropping entry")
	}
}

// close flushes queued entries, waiting at most timeout.
func (w *journalWriter) close(timeout time.Duration) {
	close(w.queue)
	select {
	case <-w.done:
	case <-time.After(timeout):
		w.log.Warn("journal did not flush in time")
	}
}
