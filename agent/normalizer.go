package agent

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/keiranjprice101/dfn/domain"
)

// Normalizer turns the raw notification stream into finalized ChangeRecords.
//
// Per-path debouncing: rapid repeated events for one path collapse into a
// single record. The window slides, restarting on every raw event for the
// path. The winning kind is the last one observed, with two exceptions:
//   - a window opened by a create stays "created" through later modifies
//     (a brand-new file that is still being written is one creation), and
//   - a delete supersedes the pending window and finalizes immediately.
//
// Move resolution: a rename-away raw event opens a move candidate keyed by
// base name. A create with a matching base name inside the window resolves
// the pair into one "moved" record; an expired candidate finalizes as a
// delete, since the file left the watched tree.
type Normalizer struct {
	window time.Duration
	queue  *Queue
	logger *log.Logger

	mu      sync.Mutex
	windows map[string]*pendingChange
	moves   map[string]*moveCandidate
	seq     int64
	closed  bool
}

type pendingChange struct {
	kind  domain.Kind
	gen   uint64
	timer *time.Timer
}

type moveCandidate struct {
	oldPath string
	timer   *time.Timer
}

// NewNormalizer creates a normalizer that pushes finalized records onto
// queue. window <= 0 selects the 300ms default.
func NewNormalizer(window time.Duration, queue *Queue, logger *log.Logger) *Normalizer {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Normalizer{
		window:  window,
		queue:   queue,
		logger:  logger,
		windows: make(map[string]*pendingChange),
		moves:   make(map[string]*moveCandidate),
	}
}

// Observe feeds one raw event into the debounce state. Safe for concurrent
// use, though the supervisor calls it from a single goroutine.
func (n *Normalizer) Observe(ev domain.RawEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	switch ev.Kind {
	case domain.KindCreated:
		base := filepath.Base(ev.Path)
		if mc, ok := n.moves[base]; ok {
			mc.timer.Stop()
			delete(n.moves, base)
			n.finalizeLocked(ev.Path, domain.KindMoved, mc.oldPath)
			return
		}
		n.upsertWindowLocked(ev.Path, domain.KindCreated)

	case domain.KindModified:
		if w, ok := n.windows[ev.Path]; ok {
			if w.kind != domain.KindCreated {
				w.kind = domain.KindModified
			}
			n.restartTimerLocked(ev.Path, w)
			return
		}
		n.upsertWindowLocked(ev.Path, domain.KindModified)

	case domain.KindDeleted:
		if w, ok := n.windows[ev.Path]; ok {
			w.timer.Stop()
			delete(n.windows, ev.Path)
		}
		n.finalizeLocked(ev.Path, domain.KindDeleted, "")

	case domain.KindMoved:
		// Rename-away. Any pending window for the old path is superseded;
		// the record either resolves to a move or decays to a delete.
		if w, ok := n.windows[ev.Path]; ok {
			w.timer.Stop()
			delete(n.windows, ev.Path)
		}
		base := filepath.Base(ev.Path)
		if prev, ok := n.moves[base]; ok {
			prev.timer.Stop()
			n.finalizeLocked(prev.oldPath, domain.KindDeleted, "")
		}
		mc := &moveCandidate{oldPath: ev.Path}
		mc.timer = time.AfterFunc(n.window, func() { n.expireMove(base, mc) })
		n.moves[base] = mc
	}
}

// Flush closes every open window and move candidate immediately. Partial
// windows are treated as closed; used during drain. The normalizer accepts
// no events afterwards.
func (n *Normalizer) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true

	for path, w := range n.windows {
		w.timer.Stop()
		n.finalizeLocked(path, w.kind, "")
	}
	n.windows = make(map[string]*pendingChange)

	for _, mc := range n.moves {
		mc.timer.Stop()
		n.finalizeLocked(mc.oldPath, domain.KindDeleted, "")
	}
	n.moves = make(map[string]*moveCandidate)
}

func (n *Normalizer) upsertWindowLocked(path string, kind domain.Kind) {
	if w, ok := n.windows[path]; ok {
		w.kind = kind
		n.restartTimerLocked(path, w)
		return
	}
	w := &pendingChange{kind: kind}
	n.windows[path] = w
	n.restartTimerLocked(path, w)
}

// restartTimerLocked slides the debounce window. The generation counter
// guards against a stale timer that fired just before being stopped.
func (n *Normalizer) restartTimerLocked(path string, w *pendingChange) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(n.window, func() { n.expire(path, gen) })
}

func (n *Normalizer) expire(path string, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.windows[path]
	if !ok || w.gen != gen || n.closed {
		return
	}
	delete(n.windows, path)
	n.finalizeLocked(path, w.kind, "")
}

func (n *Normalizer) expireMove(base string, mc *moveCandidate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.moves[base] != mc || n.closed {
		return
	}
	delete(n.moves, base)
	n.finalizeLocked(mc.oldPath, domain.KindDeleted, "")
}

// finalizeLocked assigns the sequence number at window close, builds the
// immutable record, and enqueues it. Overflow evictions are logged here,
// exactly once per dropped record.
func (n *Normalizer) finalizeLocked(path string, kind domain.Kind, oldPath string) {
	n.seq++
	rec := domain.ChangeRecord{
		ID:         uuid.NewString(),
		Path:       path,
		Kind:       kind,
		OldPath:    oldPath,
		ObservedAt: time.Now().UTC(),
		Sequence:   n.seq,
	}

	evicted, ok := n.queue.Push(rec)
	if !ok {
		n.logger.WithFields(log.Fields{
			"path": rec.Path,
			"kind": rec.Kind,
			"seq":  rec.Sequence,
		}).Debug("change record discarded: queue closed")
		return
	}
	if evicted != nil {
		n.logger.WithFields(log.Fields{
			"path": evicted.Path,
			"kind": evicted.Kind,
			"seq":  evicted.Sequence,
		}).Warn("change record dropped: queue overflow")
	}
}
