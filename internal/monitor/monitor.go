// Package monitor contains the session orchestrator. It owns the RunState
// shared with the control surface, and for each session it subscribes the
// roots, reconciles them against the store, and runs the dispatch loop until
// the session is stopped.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/fimd/internal/audit"
	"github.com/tripwire/fimd/internal/fspath"
	"github.com/tripwire/fimd/internal/integrity"
	"github.com/tripwire/fimd/internal/metrics"
	"github.com/tripwire/fimd/internal/store"
	"github.com/tripwire/fimd/internal/watcher"
)

// Journal is the tamper-evident journal a Monitor writes to.
// *audit.Journal implements it.
type Journal interface {
	integrity.EventJournal
	RecordSession(typ, sessionID string, roots []string) (audit.Entry, error)
}

// SourceFactory opens the notification source for a new session.
type SourceFactory func() (watcher.Source, error)

// session is the bookkeeping of one activation.
type session struct {
	num    uint64
	id     string
	roots  []string
	reg    *watcher.Registry
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
}

// Monitor runs at most one monitoring session at a time.
type Monitor struct {
	state     *RunState
	detector  *integrity.Detector
	journal   Journal
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newSource SourceFactory
	poll      time.Duration
	workDir   func() (string, error)
	ownFiles  []string
	startTime time.Time

	// startMu serialises Start and Close.
	startMu sync.Mutex

	mu          sync.RWMutex
	cur         *session
	lastEventAt time.Time
}

// Option is a functional option for Monitor construction.
type Option func(*Monitor)

// WithJournal mirrors committed events and session boundaries into j.
func WithJournal(j Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

// WithMetrics instruments the monitor and its sessions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithSourceFactory replaces the platform notification source.
func WithSourceFactory(f SourceFactory) Option {
	return func(m *Monitor) { m.newSource = f }
}

// WithBufferSize sizes the platform source's read buffer in events.
func WithBufferSize(n int) Option {
	return func(m *Monitor) {
		m.newSource = func() (watcher.Source, error) { return watcher.NewSource(n) }
	}
}

// WithPollInterval sets the pause the loop takes when no events are pending.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithWorkingDir overrides how the process working directory is found for
// root admission.
func WithWorkingDir(fn func() (string, error)) Option {
	return func(m *Monitor) { m.workDir = fn }
}

// WithOwnFiles names files the process writes, such as the audit database
// and the journal. A root containing any of them is refused, since every
// write to them would come back as an event.
func WithOwnFiles(paths ...string) Option {
	return func(m *Monitor) { m.ownFiles = append(m.ownFiles, paths...) }
}

// New creates a Monitor recording into st.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		state:     NewRunState(),
		logger:    logger,
		newSource: func() (watcher.Source, error) { return watcher.NewSource(watcher.DefaultBufferEvents) },
		poll:      watcher.DefaultPollInterval,
		workDir:   os.Getwd,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}

	dopts := []integrity.Option{
		integrity.WithMetrics(m.metrics),
		integrity.WithCommitHook(m.recordCommit),
	}
	if m.journal != nil {
		dopts = append(dopts, integrity.WithJournal(m.journal))
	}
	m.detector = integrity.NewDetector(st, logger, dopts...)
	return m
}

// State returns the RunState shared with the session loop.
func (m *Monitor) State() *RunState { return m.state }

// AddRoot validates path and admits it as a watch root. The path must be an
// existing directory and must not contain the working directory. It returns
// the canonical root and any roots it replaced.
func (m *Monitor) AddRoot(path string) (string, []string, error) {
	root, err := fspath.Canonical(path)
	if err != nil {
		return "", nil, fmt.Errorf("monitor: add root: %w", err)
	}
	cwd, err := m.workDir()
	if err != nil {
		return "", nil, fmt.Errorf("monitor: working directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(cwd); err == nil {
		cwd = resolved
	}
	if err := CheckPath(root, cwd); err != nil {
		return "", nil, err
	}
	for _, f := range m.ownFiles {
		if own, ok := resolveFile(f); ok && fspath.Within(own, root) {
			return "", nil, fmt.Errorf("%w: %q contains %q", ErrSelfReferential, root, own)
		}
	}

	superseded, err := m.state.AddRoot(root)
	if err != nil {
		return "", nil, err
	}
	m.logger.Info("watch root added",
		slog.String("root", root),
		slog.Any("superseded", superseded))
	return root, superseded, nil
}

// resolveFile returns the absolute form of path with its directory's
// symlinks resolved. The file itself need not exist yet.
func resolveFile(path string) (string, bool) {
	if path == "" || path == ":memory:" {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	return abs, true
}

// RemoveRoot drops a registered root. path is canonicalised when it still
// exists, so a root can be removed by any name that resolves to it.
func (m *Monitor) RemoveRoot(path string) error {
	root := filepath.Clean(path)
	if c, err := fspath.Canonical(path); err == nil {
		root = c
	}
	if err := m.state.RemoveRoot(root); err != nil {
		return err
	}
	m.logger.Info("watch root removed", slog.String("root", root))
	return nil
}

// Roots returns the registered roots in insertion order.
func (m *Monitor) Roots() []string { return m.state.Roots() }

// Active reports whether a session is running.
func (m *Monitor) Active() bool { return m.state.Active() }

// Start begins a session over the current roots. Starting while a session
// is active is a no-op. Start returns once the notification source is open;
// subscription and reconciliation continue in the background and Ready
// reports when they are done.
func (m *Monitor) Start() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	num, roots, ok := m.state.activate()
	if !ok {
		return nil
	}

	// A previous loop sees its gate closed and exits within one poll.
	m.mu.RLock()
	prev := m.cur
	m.mu.RUnlock()
	if prev != nil {
		<-prev.done
	}

	src, err := m.newSource()
	if err != nil {
		m.state.end(num)
		return fmt.Errorf("monitor: open notification source: %w", err)
	}
	reg := watcher.NewRegistry(src, m.logger)
	reg.OnChange(m.metrics.SetWatches)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		num:    num,
		id:     uuid.NewString(),
		roots:  roots,
		reg:    reg,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.journalSession(audit.TypeSessionStart, s)
	m.logger.Info("monitoring session started",
		slog.String("session_id", s.id),
		slog.Any("roots", roots))

	go m.run(ctx, s, src)
	return nil
}

func (m *Monitor) run(ctx context.Context, s *session, src watcher.Source) {
	defer close(s.done)
	defer s.cancel()

	gate := m.state.gate(s.num)
	prepCtx, prepDone := whileActive(ctx, gate, m.poll)
	for _, root := range s.roots {
		if !gate.Active() {
			break
		}
		if _, err := watcher.Subscribe(s.reg, root, m.logger); err != nil {
			m.logger.Error("root not subscribed",
				slog.String("session_id", s.id),
				slog.String("root", root),
				slog.Any("error", err))
			continue
		}
		_, err := m.detector.Reconcile(prepCtx, root)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) && !gate.Active():
			m.logger.Info("reconciliation interrupted by stop",
				slog.String("session_id", s.id),
				slog.String("root", root))
		default:
			m.logger.Error("reconciliation failed",
				slog.String("session_id", s.id),
				slog.String("root", root),
				slog.Any("error", err))
		}
	}
	prepDone()
	close(s.ready)

	loop := watcher.NewLoop(watcher.LoopConfig{
		Source:       src,
		Registry:     s.reg,
		Files:        m.detector,
		Gate:         gate,
		Logger:       m.logger.With(slog.String("session_id", s.id)),
		Metrics:      m.metrics,
		PollInterval: m.poll,
	})
	if err := loop.Run(ctx); err != nil {
		m.logger.Error("monitoring loop failed",
			slog.String("session_id", s.id),
			slog.Any("error", err))
		m.state.end(s.num)
	}

	m.metrics.SessionEnded()
	m.journalSession(audit.TypeSessionStop, s)
	m.logger.Info("monitoring session stopped", slog.String("session_id", s.id))
}

// whileActive derives a context that is cancelled once gate closes. The
// gate is polled every interval until the returned cancel is called.
func whileActive(ctx context.Context, gate watcher.Gate, every time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !gate.Active() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

// Stop asks the running session to end. The loop observes it at its next
// poll and processes no further events. Stop does not wait; use Wait.
func (m *Monitor) Stop() {
	if m.state.deactivate() {
		m.logger.Info("monitoring session stopping")
	}
}

// Wait blocks until the current session, if any, has released its
// resources.
func (m *Monitor) Wait() {
	m.mu.RLock()
	s := m.cur
	m.mu.RUnlock()
	if s != nil {
		<-s.done
	}
}

// Ready returns a channel closed once the current session has subscribed
// and reconciled its roots. Without a session it is already closed.
func (m *Monitor) Ready() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return m.cur.ready
}

// Close stops the session, cancels any in-flight store call, and waits for
// the session to end.
func (m *Monitor) Close() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.state.deactivate()
	m.mu.RLock()
	s := m.cur
	m.mu.RUnlock()
	if s != nil {
		s.cancel()
		<-s.done
	}
}

func (m *Monitor) recordCommit(ev store.EventRecord) {
	m.mu.Lock()
	m.lastEventAt = ev.Timestamp
	m.mu.Unlock()
}

func (m *Monitor) journalSession(typ string, s *session) {
	if m.journal == nil {
		return
	}
	if _, err := m.journal.RecordSession(typ, s.id, s.roots); err != nil {
		m.logger.Error("journal session boundary",
			slog.String("type", typ),
			slog.String("session_id", s.id),
			slog.Any("error", err))
	}
}

// HealthStatus is the payload returned by the health and state endpoints.
type HealthStatus struct {
	Status      string   `json:"status"`
	Active      bool     `json:"active"`
	SessionID   string   `json:"session_id,omitempty"`
	Roots       []string `json:"roots"`
	Watches     int      `json:"watches"`
	UptimeS     float64  `json:"uptime_s"`
	LastEventAt string   `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the monitor state.
func (m *Monitor) Health() HealthStatus {
	h := HealthStatus{
		Status:  "ok",
		Active:  m.state.Active(),
		Roots:   m.state.Roots(),
		UptimeS: time.Since(m.startTime).Seconds(),
	}
	if h.Roots == nil {
		h.Roots = []string{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur != nil {
		h.Watches = m.cur.reg.Len()
		if h.Active {
			h.SessionID = m.cur.id
		}
	}
	if !m.lastEventAt.IsZero() {
		h.LastEventAt = m.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}
