package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keiranjprice101/dfn/watch"
)

// State is the supervisor lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Supervisor owns the pipeline: it establishes the watch, pumps raw events
// into the normalizer, recovers lost watches with bounded retry, and runs the
// drain sequence on shutdown. Run returns nil after a clean drain and an
// error for fatal conditions; the caller converts that into a non-zero exit.
type Supervisor struct {
	cfg      Config
	logger   *log.Logger
	queue    *Queue
	norm     *Normalizer
	delivery *Delivery

	// sourceFactory is swapped out in tests.
	sourceFactory func() (watch.Source, error)

	state atomic.Int32
}

// NewSupervisor wires the queue, normalizer, and delivery worker from cfg.
func NewSupervisor(cfg Config, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	queue := NewQueue(cfg.QueueCapacity)
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		queue:    queue,
		norm:     NewNormalizer(cfg.DebounceWindow, queue, logger),
		delivery: NewDelivery(cfg, queue, logger),
	}
	s.sourceFactory = func() (watch.Source, error) {
		return watch.New(watch.Config{
			Root:      cfg.WatchRoot,
			Recursive: cfg.Recursive,
			Buffer:    cfg.EventBuffer,
			Logger:    logger,
		})
	}
	return s
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.logger.WithField("state", st.String()).Info("supervisor state")
}

// Run drives the pipeline until ctx is cancelled (clean drain) or a fatal
// error occurs. An unusable watch root at startup is fatal; a watch lost
// mid-run is retried ReattachAttempts times before escalating.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)

	src, err := s.sourceFactory()
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("establish watch: %w", err)
	}

	s.delivery.Start()
	s.setState(StateRunning)
	s.logger.WithFields(log.Fields{
		"root":      s.cfg.WatchRoot,
		"recursive": s.cfg.Recursive,
	}).Info("watching directory")

	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				src, err = s.recoverWatch(ctx, src, errors.New("event stream closed"))
				if err != nil {
					return err
				}
				if src == nil {
					return nil
				}
				continue
			}
			s.norm.Observe(ev)

		case werr := <-src.Errors():
			src, err = s.recoverWatch(ctx, src, werr)
			if err != nil {
				return err
			}
			if src == nil {
				return nil
			}

		case <-ctx.Done():
			s.drain(src)
			return nil
		}
	}
}

// recoverWatch closes the failed source and re-establishes the watch with
// bounded retry. It returns (nil, nil) when shutdown interrupted recovery and
// the drain already ran.
func (s *Supervisor) recoverWatch(ctx context.Context, src watch.Source, cause error) (watch.Source, error) {
	s.logger.WithError(cause).Warn("watch lost, attempting to re-establish")
	src.Close()

	var lastErr error = cause
	for i := 1; i <= s.cfg.ReattachAttempts; i++ {
		select {
		case <-ctx.Done():
			s.drain(nil)
			return nil, nil
		case <-time.After(s.cfg.ReattachDelay):
		}

		next, err := s.sourceFactory()
		if err == nil {
			s.logger.WithField("attempt", i).Info("watch re-established")
			return next, nil
		}
		lastErr = err
		s.logger.WithError(err).Warnf("watch re-establish attempt %d/%d failed", i, s.cfg.ReattachAttempts)
	}

	s.setState(StateStopped)
	s.delivery.Stop()
	return nil, fmt.Errorf("watch lost and not recoverable: %w", lastErr)
}

// drain runs the shutdown sequence: stop producing, close every open
// debounce window, let delivery flush within the grace period, then stop.
func (s *Supervisor) drain(src watch.Source) {
	s.setState(StateDraining)
	if src != nil {
		src.Close()
	}
	s.norm.Flush()
	s.queue.Close()
	s.delivery.Drain(s.cfg.DrainGrace)
	s.setState(StateStopped)
}
