// Package watch adapts OS filesystem notifications into the agent's raw
// event stream. The Source interface keeps the pipeline independent of the
// notification mechanism; the fsnotify adapter is the only implementation.
package watch

import (
	log "github.com/sirupsen/logrus"

	"github.com/keiranjprice101/dfn/domain"
)

// Source produces raw change notifications for a watched root. Events are
// push-based and never block the underlying OS mechanism: when the consumer
// falls behind the buffer, raw events are dropped and logged.
//
// Errors() reports recoverable watch failures (for example the watched root
// being removed mid-run). The supervisor decides whether to re-establish the
// watch or escalate.
type Source interface {
	// Events returns the raw event stream. The channel is closed when the
	// source shuts down.
	Events() <-chan domain.RawEvent

	// Errors reports watch-loss and other mid-run failures.
	Errors() <-chan error

	// Close stops the watch and releases OS resources. Idempotent.
	Close() error
}

// Config describes what to watch.
type Config struct {
	// Root is the directory to monitor. It must exist at startup.
	Root string

	// Recursive extends the watch to subdirectories, including ones created
	// while the watch is running.
	Recursive bool

	// Buffer is the raw event channel capacity. Zero selects the default.
	Buffer int

	Logger *log.Logger
}

const defaultBuffer = 256
