package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/fimd/internal/metrics"
	"github.com/tripwire/fimd/internal/store"
)

// DefaultPollInterval is the pause taken after a drain finds no data.
const DefaultPollInterval = 100 * time.Millisecond

// FileHandler receives classified file events.
type FileHandler interface {
	HandleFile(ctx context.Context, kind store.EventKind, path string) error
}

// Gate reports whether the owning session is still active.
type Gate interface {
	Active() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

func (f GateFunc) Active() bool { return f() }

// LoopConfig wires a Loop. Source, Registry, Files and Gate are required.
type LoopConfig struct {
	Source   Source
	Registry *Registry
	Files    FileHandler
	Gate     Gate
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// PollInterval is the pause after an empty drain. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration
}

// Loop is the per-session classification and dispatch loop. A Loop owns its
// Source and Registry from the moment Run is called and releases both when
// Run returns.
type Loop struct {
	src     Source
	reg     *Registry
	dirs    *DirHandler
	files   FileHandler
	gate    Gate
	logger  *slog.Logger
	metrics *metrics.Metrics
	poll    time.Duration

	// synthesized holds paths reported from a directory walk during the
	// current drain, so a trailing kernel CREATE for them is not reported
	// twice.
	synthesized map[string]struct{}
}

// NewLoop builds a Loop from cfg.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Loop{
		src:         cfg.Source,
		reg:         cfg.Registry,
		dirs:        NewDirHandler(cfg.Registry, logger),
		files:       cfg.Files,
		gate:        cfg.Gate,
		logger:      logger,
		metrics:     cfg.Metrics,
		poll:        poll,
		synthesized: make(map[string]struct{}),
	}
}

// Run drains the source until the gate closes, ctx is cancelled, or the
// source fails. A closed gate or cancelled ctx is a clean stop and returns
// nil. Events read after the gate closes are discarded unprocessed.
func (l *Loop) Run(ctx context.Context) error {
	defer l.release()

	timer := time.NewTimer(l.poll)
	defer timer.Stop()

	for {
		batch, err := l.src.Read()
		switch {
		case errors.Is(err, ErrNoData):
			clear(l.synthesized)
			if !l.gate.Active() {
				l.logger.Debug("watcher: loop stopping")
				return nil
			}
			timer.Reset(l.poll)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			continue
		case err != nil:
			return fmt.Errorf("watcher: loop: %w", err)
		}

		if !l.gate.Active() {
			l.logger.Debug("watcher: loop stopping, batch discarded", slog.Int("events", len(batch)))
			return nil
		}
		for _, ev := range batch {
			l.dispatch(ctx, ev)
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, ev RawEvent) {
	if ev.Mask&MaskOverflow != 0 {
		l.logger.Warn("watcher: notification queue overflowed, events lost")
		l.metrics.EventDropped()
		return
	}

	path, ok := l.reg.Resolve(ev.WD, ev.Name)
	if !ok {
		l.metrics.EventDropped()
		return
	}
	kind, ok := Classify(ev.Mask)
	if !ok {
		return
	}

	if ev.Mask&MaskIsDir != 0 {
		for _, f := range l.dirs.Handle(kind, path) {
			l.synthesized[f] = struct{}{}
			l.handleFile(ctx, kind, f)
		}
		return
	}

	// Only a CREATE arriving straight after the walk duplicates it; any
	// other event on the path ends the suppression.
	_, seen := l.synthesized[path]
	if seen {
		delete(l.synthesized, path)
		if kind == store.KindCreate {
			return
		}
	}
	l.handleFile(ctx, kind, path)
}

func (l *Loop) handleFile(ctx context.Context, kind store.EventKind, path string) {
	if err := l.files.HandleFile(ctx, kind, path); err != nil {
		l.logger.Error("watcher: file event not recorded",
			slog.String("kind", kind.String()),
			slog.String("path", path),
			slog.Any("error", err))
	}
}

func (l *Loop) release() {
	l.reg.Close()
	if err := l.src.Close(); err != nil {
		l.logger.Warn("watcher: release source", slog.Any("error", err))
	}
}
