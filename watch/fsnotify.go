package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/keiranjprice101/dfn/domain"
)

// ErrWatchLost is reported on Errors() when the watched root disappears
// mid-run. The watch cannot recover on its own: the root's inode is gone and
// a fresh Source must be established once the path exists again.
var ErrWatchLost = errors.New("watch root lost")

type fsSource struct {
	cfg     Config
	watcher *fsnotify.Watcher
	events  chan domain.RawEvent
	errs    chan error

	mu   sync.Mutex
	dirs map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// New establishes an fsnotify watch on cfg.Root. A missing or non-directory
// root is a startup error; the caller treats it as fatal.
func New(cfg Config) (Source, error) {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("watch root %s: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s: not a directory", cfg.Root)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	s := &fsSource{
		cfg:     cfg,
		watcher: w,
		events:  make(chan domain.RawEvent, cfg.Buffer),
		errs:    make(chan error, 1),
		dirs:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	if err := s.addDir(cfg.Root); err != nil {
		w.Close()
		return nil, err
	}
	if cfg.Recursive {
		err := filepath.WalkDir(cfg.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && path != cfg.Root {
				return s.addDir(path)
			}
			return nil
		})
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("walk watch root: %w", err)
		}
	}

	go s.run()
	return s, nil
}

func (s *fsSource) Events() <-chan domain.RawEvent { return s.events }
func (s *fsSource) Errors() <-chan error           { return s.errs }

func (s *fsSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.watcher.Close()
		<-s.done
	})
	return s.closeErr
}

func (s *fsSource) addDir(path string) error {
	if err := s.watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	s.mu.Lock()
	s.dirs[path] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *fsSource) run() {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.translate(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.reportErr(err)
		}
	}
}

// translate maps one fsnotify event onto the RawEvent vocabulary. Directory
// events never produce RawEvents; they only adjust the watch set.
func (s *fsSource) translate(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if s.forgetDir(ev.Name) {
			if ev.Name == s.cfg.Root {
				s.reportErr(fmt.Errorf("%w: %s", ErrWatchLost, s.cfg.Root))
			}
			return
		}
		kind := domain.KindDeleted
		if ev.Op.Has(fsnotify.Rename) {
			kind = domain.KindMoved
		}
		s.emit(domain.RawEvent{Path: ev.Name, Kind: kind, Timestamp: time.Now().UTC()})
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if s.cfg.Recursive {
				if err := s.addDir(ev.Name); err != nil {
					s.reportErr(err)
				}
			}
			return
		}
		s.emit(domain.RawEvent{Path: ev.Name, Kind: domain.KindCreated, Timestamp: time.Now().UTC()})
	case ev.Op.Has(fsnotify.Write):
		s.emit(domain.RawEvent{Path: ev.Name, Kind: domain.KindModified, Timestamp: time.Now().UTC()})
	}
	// Chmod is deliberately ignored: metadata-only changes are not
	// meaningful to the collector.
}

// forgetDir reports whether path was a watched directory and unregisters it.
func (s *fsSource) forgetDir(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[path]; !ok {
		return false
	}
	delete(s.dirs, path)
	return true
}

func (s *fsSource) emit(ev domain.RawEvent) {
	select {
	case s.events <- ev:
	default:
		s.cfg.Logger.WithFields(log.Fields{
			"path": ev.Path,
			"kind": ev.Kind,
		}).Warn("raw event dropped: event buffer full")
	}
}

func (s *fsSource) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
