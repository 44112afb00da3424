package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"provisioner/pkg/channel"
	"provisioner/pkg/eventlog"
	"provisioner/pkg/logx"
	"provisioner/pkg/metrics"
	"provisioner/pkg/poller"
	"provisioner/pkg/proto"
	"provisioner/pkg/tscache"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a session that
	// has left the idle stage.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrNotRetryable is returned when Retry is called outside the error stage.
	ErrNotRetryable = errors.New("session is not in the error stage")

	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session is closed")
)

// Backend is the provisioning API consumed by the machine: the trigger
// operation, the status-check operation, and the event stream location.
type Backend interface {
	Trigger(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (proto.Status, error)
	EventsURL(sessionID string) string
}

// EventChannel is the live subscription transport. Satisfied by
// *channel.Channel; faked in tests.
type EventChannel interface {
	Open(streamURL string, h channel.Handlers) error
	Close()
}

// Poller is the periodic readiness checker. Satisfied by *poller.Poller;
// faked in tests.
type Poller interface {
	Start(ctx context.Context, check poller.CheckFunc, onStatus func(proto.Status), onTimeout func()) error
	Stop()
}

// Recorder persists attempt outcomes. Satisfied by *persistence.Store.
type Recorder interface {
	RecordStart(sessionID string, generation uint64) (string, error)
	RecordReady(attemptID, readyURL string) error
	RecordFailure(attemptID string, detail *proto.ErrorDetail) error
	RecordCancelled(attemptID string) error
}

// Journal appends session activity records. Satisfied by *eventlog.Writer.
type Journal interface {
	Append(rec eventlog.Record) error
}

// Config controls machine behavior.
type Config struct {
	// Channel is the reconnect policy for the live event channel.
	Channel channel.Config

	// PollInterval and PollMaxWindow bound the readiness poller.
	PollInterval  time.Duration
	PollMaxWindow time.Duration

	// OpenDelay is the pause between the first readiness observation and
	// the destination action, letting final log lines flush to the caller.
	OpenDelay time.Duration

	// RetainMessagesOnRetry keeps message history across retries.
	RetainMessagesOnRetry bool
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxWindow <= 0 {
		c.PollMaxWindow = 5 * time.Minute
	}
	if c.OpenDelay <= 0 {
		c.OpenDelay = 1500 * time.Millisecond
	}
}

// Option customizes a Machine.
type Option func(*Machine)

// WithChannelFactory replaces the live channel constructor.
func WithChannelFactory(f func() EventChannel) Option {
	return func(m *Machine) { m.newChannel = f }
}

// WithPollerFactory replaces the poller constructor.
func WithPollerFactory(f func() Poller) Option {
	return func(m *Machine) { m.newPoller = f }
}

// WithOpenFunc sets the destination action invoked exactly once with the
// ready URL.
func WithOpenFunc(f func(url string)) Option {
	return func(m *Machine) { m.openFn = f }
}

// WithOnUpdate sets the observer notified after every state change.
// Callbacks originate from the trigger, channel, and poller goroutines and
// may be delivered out of order; Snapshot.Seq increases with every change so
// consumers can discard stale deliveries.
func WithOnUpdate(f func(Snapshot)) Option {
	return func(m *Machine) { m.onUpdate = f }
}

// WithMetrics attaches a Prometheus collector set.
func WithMetrics(set *metrics.Set) Option {
	return func(m *Machine) { m.metrics = set }
}

// WithRecorder attaches an attempt-history store.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithJournal attaches a session activity journal.
func WithJournal(j Journal) Option {
	return func(m *Machine) { m.journal = j }
}

// WithDebounce attaches a timestamp cache used to suppress repeated
// identical notifications (e.g. a flapping status check).
func WithDebounce(c *tscache.TimestampCache) Option {
	return func(m *Machine) { m.debounce = c }
}

// Machine is the authoritative controller for one provisioning session.
// All mutation flows through its mutex; the channel and poller goroutines
// only report observations, stamped with the generation they belong to, so
// stale results from cancelled attempts are discarded.
type Machine struct {
	cfg     Config
	backend Backend
	table   TransitionTable
	logger  *logx.Logger

	newChannel func() EventChannel
	newPoller  func() Poller
	openFn     func(url string)
	onUpdate   func(Snapshot)
	metrics    *metrics.Set
	recorder   Recorder
	journal    Journal
	debounce   *tscache.TimestampCache

	mu   sync.Mutex
	sess Session

	generation    uint64
	seq           uint64 // bumped on every notified state change
	triggered     bool   // trigger issued for the current generation
	channelActive bool
	closed        bool

	ch         EventChannel
	pl         Poller
	pollerLive bool // poller is running; it stops itself on ready or timeout
	attemptCtx context.Context
	cancel     context.CancelFunc
	openTimer  *time.Timer
}

// New creates a machine for the given session ID. The session stays idle
// until Start.
func New(sessionID string, backend Backend, cfg Config, opts ...Option) *Machine {
	cfg.applyDefaults()

	m := &Machine{
		cfg:     cfg,
		backend: backend,
		table:   DefaultTransitions(),
		logger:  logx.NewLogger("session-" + sessionID),
		sess: Session{
			ID:    sessionID,
			Stage: proto.StageIdle,
		},
	}
	m.newChannel = func() EventChannel { return channel.New(m.cfg.Channel) }
	m.newPoller = func() Poller { return poller.New(m.cfg.PollInterval, m.cfg.PollMaxWindow) }

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the session identifier.
func (m *Machine) ID() string {
	return m.sess.ID
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:           m.seq,
		SessionID:     m.sess.ID,
		Generation:    m.sess.Generation,
		AttemptID:     m.sess.AttemptID,
		Stage:         m.sess.Stage,
		Progress:      m.sess.Progress,
		Messages:      append([]Message(nil), m.sess.Messages...),
		ReadyURL:      m.sess.ReadyURL,
		TabOpened:     m.sess.TabOpened,
		ChannelActive: m.channelActive,
	}
	if m.sess.Err != nil {
		errCopy := *m.sess.Err
		snap.Err = &errCopy
	}
	return snap
}

// Start begins the provisioning attempt: it issues the trigger call and, on
// acceptance, opens the event channel and starts the readiness poller.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sess.Stage != proto.StageIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: stage %s", ErrAlreadyStarted, m.sess.Stage)
	}
	m.beginLocked(ctx)
	m.notifyUnlock()
	return nil
}

// beginLocked starts a new attempt for the current generation. The trigger
// stage is entered at most once per generation.
func (m *Machine) beginLocked(ctx context.Context) {
	if m.triggered {
		return
	}
	m.triggered = true

	gen := m.generation
	m.sess.Generation = gen
	m.sess.AttemptID = uuid.New().String()
	m.sess.StartedAt = time.Now().UTC()

	m.setStageLocked(proto.StageTriggering)
	m.sess.appendMessage("provisioning requested")

	if m.metrics != nil {
		m.metrics.SessionsStarted.Inc()
	}
	if m.recorder != nil {
		if id, err := m.recorder.RecordStart(m.sess.ID, gen); err == nil {
			m.sess.AttemptID = id
		} else {
			m.logger.Warn("failed to record attempt start: %v", err)
		}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	m.attemptCtx = attemptCtx
	m.cancel = cancel

	go m.runTrigger(attemptCtx, gen)
}

// runTrigger performs the trigger round-trip and, on acceptance, starts the
// channel and poller. On synchronous rejection nothing else is started.
func (m *Machine) runTrigger(ctx context.Context, gen uint64) {
	err := m.backend.Trigger(ctx, m.sess.ID)

	m.mu.Lock()
	if m.staleLocked(gen) {
		// A stale trigger response for a cancelled or retried attempt must
		// not mutate the current session.
		m.mu.Unlock()
		return
	}

	if err != nil {
		var detail *proto.ErrorDetail
		if !errors.As(err, &detail) {
			detail = &proto.ErrorDetail{
				Kind:    proto.ErrorTerminal,
				Message: fmt.Sprintf("provisioning trigger failed: %v", err),
			}
		}
		m.failLocked(detail)
		m.notifyUnlock()
		return
	}

	m.sess.appendMessage("backend accepted provisioning request")
	m.startCollaboratorsLocked(ctx, gen)
	m.notifyUnlock()
}

func (m *Machine) startCollaboratorsLocked(ctx context.Context, gen uint64) {
	m.ch = m.newChannel()
	handlers := channel.Handlers{
		OnEvent:      func(ev proto.Event) { m.handleEvent(gen, ev) },
		OnConnect:    func() { m.handleConnect(gen) },
		OnDisconnect: func(reason error) { m.handleDisconnect(gen, reason) },
		OnError:      func(err error) { m.handleChannelError(gen, err) },
	}
	if err := m.ch.Open(m.backend.EventsURL(m.sess.ID), handlers); err != nil {
		// No channel is not fatal: the poller carries the session.
		m.logger.Warn("failed to open event channel: %v", err)
		m.ch = nil
	}

	m.startPollerLocked(ctx, gen)
}

// startPollerLocked starts a fresh poller with a full window and reports
// whether it is running.
func (m *Machine) startPollerLocked(ctx context.Context, gen uint64) bool {
	m.pl = m.newPoller()
	check := func(ctx context.Context) (proto.Status, error) {
		return m.backend.Status(ctx, m.sess.ID)
	}
	if err := m.pl.Start(ctx, check,
		func(st proto.Status) { m.handlePollStatus(gen, st) },
		func() { m.handlePollTimeout(gen) },
	); err != nil {
		m.logger.Warn("failed to start poller: %v", err)
		m.pl = nil
		m.pollerLive = false
		return false
	}
	m.pollerLive = true
	return true
}

// staleLocked reports whether an observation stamped with gen belongs to a
// cancelled, retried, or already-terminal attempt.
func (m *Machine) staleLocked(gen uint64) bool {
	return m.closed || gen != m.generation
}

// notifyUnlock snapshots state, releases the lock, and notifies the
// observer. Must be called with the lock held; the lock is released.
func (m *Machine) notifyUnlock() {
	m.seq++
	snap := m.snapshotLocked()
	cb := m.onUpdate
	m.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

// handleEvent applies one stream event to the session.
func (m *Machine) handleEvent(gen uint64, ev proto.Event) {
	m.mu.Lock()
	if m.staleLocked(gen) || m.sess.Stage.Terminal() {
		m.mu.Unlock()
		return
	}

	m.sess.appendMessage(ev.Message)

	switch {
	case ev.TerminalFailure():
		msg := ev.Message
		if msg == "" {
			msg = "provisioning failed"
		}
		if ev.Detail != "" {
			msg += ": " + ev.Detail
		}
		m.failLocked(&proto.ErrorDetail{
			Kind:    proto.ErrorTerminal,
			Message: msg,
			URL:     ev.URL,
		})

	case ev.TerminalSuccess():
		m.readyLocked(ev.URL)

	default:
		if hint := ev.StageHint(); hint != "" && hint != proto.StageError {
			m.advanceLocked(hint)
		}
		if ev.Progress != nil && *ev.Progress > m.sess.Progress {
			m.sess.Progress = *ev.Progress
		}
	}

	m.notifyUnlock()
}

func (m *Machine) handleConnect(gen uint64) {
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.channelActive = true
	m.sess.appendMessage("live event channel established")
	m.notifyUnlock()
}

func (m *Machine) handleDisconnect(gen uint64, reason error) {
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.channelActive = false
	m.logger.Debug("event channel dropped: %v", reason)
	if m.metrics != nil {
		m.metrics.ChannelReconnects.Inc()
	}
	m.mu.Unlock()
}

// handleChannelError absorbs channel-level failures. Losing the channel
// degrades the session to polling; it never fails the attempt by itself.
func (m *Machine) handleChannelError(gen uint64, err error) {
	m.mu.Lock()
	if m.staleLocked(gen) || m.sess.Stage.Terminal() {
		m.mu.Unlock()
		return
	}

	if errors.Is(err, proto.ErrMalformedEvent) {
		m.logger.Warn("dropped malformed event: %v", err)
		m.mu.Unlock()
		return
	}

	var detail *proto.ErrorDetail
	if errors.As(err, &detail) && detail.Kind == proto.ErrorChannelUnavailable {
		m.channelActive = false
		if m.metrics != nil {
			m.metrics.ChannelDegraded.Inc()
		}
		switch {
		case m.pollerLive:
			m.sess.appendMessage("live updates unavailable; continuing with status polling")
		case m.attemptCtx != nil && m.startPollerLocked(m.attemptCtx, gen):
			// The poll window had already elapsed while the channel was
			// healthy; with the channel now gone too, polling resumes with a
			// fresh window so the attempt always has an observer.
			m.sess.appendMessage("live updates unavailable; resuming status polling")
		default:
			m.failLocked(&proto.ErrorDetail{
				Kind:    proto.ErrorPollTimeout,
				Message: "lost event channel with no status polling available",
			})
		}
		m.notifyUnlock()
		return
	}

	m.logger.Warn("event channel error: %v", err)
	m.mu.Unlock()
}

// handlePollStatus applies one poller observation.
func (m *Machine) handlePollStatus(gen uint64, st proto.Status) {
	m.mu.Lock()
	if m.staleLocked(gen) || m.sess.Stage.Terminal() {
		m.mu.Unlock()
		return
	}

	if m.metrics != nil {
		m.metrics.PollTicks.Inc()
	}

	if st.Err != nil {
		if m.metrics != nil {
			m.metrics.PollFailures.Inc()
		}
		if m.debounce == nil || m.debounce.Touch("poll-failure:"+m.sess.ID) {
			m.sess.appendMessage(fmt.Sprintf("status check failed: %v", st.Err))
		}
		m.notifyUnlock()
		return
	}

	if st.Ready {
		m.readyLocked(st.URL)
		m.notifyUnlock()
		return
	}

	if st.Stage != "" && st.Stage != proto.StageError {
		m.advanceLocked(st.Stage)
	}
	if st.Detail != "" {
		if m.debounce == nil || m.debounce.Touch("poll-detail:"+st.Detail) {
			m.sess.appendMessage(st.Detail)
		}
	}
	m.notifyUnlock()
}

// handlePollTimeout escalates only when the live channel is gone too;
// otherwise the channel keeps carrying the session.
func (m *Machine) handlePollTimeout(gen uint64) {
	m.mu.Lock()
	if m.staleLocked(gen) || m.sess.Stage.Terminal() {
		m.mu.Unlock()
		return
	}

	if m.channelActive {
		// The poller has stopped itself; the live channel carries the
		// session from here, and polling resumes if the channel is lost.
		m.pollerLive = false
		m.pl = nil
		m.sess.appendMessage("status polling window elapsed; live channel still active")
		m.notifyUnlock()
		return
	}

	m.failLocked(&proto.ErrorDetail{
		Kind:    proto.ErrorPollTimeout,
		Message: fmt.Sprintf("readiness not observed within %s", m.cfg.PollMaxWindow),
	})
	m.notifyUnlock()
}

// advanceLocked moves to the hinted stage if the transition table allows
// it. Illegal hints (regressions, unknown stages) keep the current stage;
// the accompanying message was already recorded.
func (m *Machine) advanceLocked(to proto.Stage) {
	if to == m.sess.Stage {
		return
	}
	if !m.table.Allowed(m.sess.Stage, to) {
		m.logger.Debug("ignoring illegal stage hint %s from %s", to, m.sess.Stage)
		return
	}
	m.setStageLocked(to)
}

// setStageLocked performs the transition and raises progress to the
// stage's floor. Progress never decreases outside the error path.
func (m *Machine) setStageLocked(to proto.Stage) {
	from := m.sess.Stage
	m.sess.Stage = to
	if floor := to.ProgressFloor(); floor > m.sess.Progress {
		m.sess.Progress = floor
	}
	m.logger.Info("stage %s -> %s (%d%%)", from, to, m.sess.Progress)
	m.journalLocked("")
}

// readyLocked handles a readiness signal from either observer. The
// TabOpened guard resolves the deliberate race between the channel and the
// poller: the first observer performs the one-time side effect, any later
// observer only refreshes display state.
func (m *Machine) readyLocked(url string) {
	if m.sess.TabOpened {
		m.sess.Stage = proto.StageReady
		m.sess.Progress = 100
		return
	}

	m.sess.ReadyURL = url
	m.sess.TabOpened = true
	m.sess.Stage = proto.StageReady
	m.sess.Progress = 100
	if url != "" {
		m.sess.appendMessage("endpoint ready at " + url)
	} else {
		m.sess.appendMessage("endpoint ready")
	}
	m.journalLocked(url)

	m.stopCollaboratorsLocked()

	if m.metrics != nil {
		m.metrics.SessionsReady.Inc()
		m.metrics.TimeToReady.Observe(time.Since(m.sess.StartedAt).Seconds())
	}
	if m.recorder != nil {
		if err := m.recorder.RecordReady(m.sess.AttemptID, url); err != nil {
			m.logger.Warn("failed to record ready outcome: %v", err)
		}
	}

	if m.openFn != nil && url != "" {
		gen := m.generation
		m.openTimer = time.AfterFunc(m.cfg.OpenDelay, func() {
			m.fireOpen(gen, url)
		})
	}
}

// fireOpen invokes the destination action unless the session was closed or
// retired in the meantime.
func (m *Machine) fireOpen(gen uint64, url string) {
	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		return
	}
	fn := m.openFn
	m.mu.Unlock()

	if fn != nil {
		fn(url)
	}
}

// failLocked enters the error stage. Progress resets to 0; messages are
// retained for diagnostics.
func (m *Machine) failLocked(detail *proto.ErrorDetail) {
	if m.sess.Stage.Terminal() {
		return
	}
	if detail.URL == "" {
		detail.URL = m.sess.ReadyURL
	}

	m.sess.Err = detail
	m.sess.Stage = proto.StageError
	m.sess.Progress = 0
	m.sess.appendMessage("provisioning failed: " + detail.Message)
	m.logger.Error("session failed: %s", detail.Error())
	m.journalLocked(detail.Message)

	m.stopCollaboratorsLocked()
	if m.cancel != nil {
		m.cancel()
	}

	if m.metrics != nil {
		m.metrics.SessionsFailed.WithLabelValues(string(detail.Kind)).Inc()
	}
	if m.recorder != nil {
		if err := m.recorder.RecordFailure(m.sess.AttemptID, detail); err != nil {
			m.logger.Warn("failed to record failure outcome: %v", err)
		}
	}
}

func (m *Machine) stopCollaboratorsLocked() {
	if m.pl != nil {
		m.pl.Stop()
		m.pl = nil
	}
	m.pollerLive = false
	if m.ch != nil {
		m.ch.Close()
		m.ch = nil
	}
	m.channelActive = false
}

func (m *Machine) journalLocked(detail string) {
	if m.journal == nil {
		return
	}
	var text string
	if n := len(m.sess.Messages); n > 0 {
		text = m.sess.Messages[n-1].Text
	}
	rec := eventlog.NewRecord(m.sess.ID, m.sess.Generation, m.sess.Stage, m.sess.Progress, text, detail)
	if err := m.journal.Append(rec); err != nil {
		m.logger.Warn("failed to journal session activity: %v", err)
	}
}

// Retry restarts a failed session: a fresh generation with a fresh attempt,
// clearing the ready guard and progress. Message history is retained or
// cleared per configuration.
func (m *Machine) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sess.Stage != proto.StageError {
		m.mu.Unlock()
		return fmt.Errorf("%w: stage %s", ErrNotRetryable, m.sess.Stage)
	}

	m.generation++
	m.triggered = false
	m.stopCollaboratorsLocked()
	if m.openTimer != nil {
		m.openTimer.Stop()
		m.openTimer = nil
	}

	m.sess.Stage = proto.StageIdle
	m.sess.Progress = 0
	m.sess.ReadyURL = ""
	m.sess.TabOpened = false
	m.sess.Err = nil
	m.sess.AttemptID = ""
	if !m.cfg.RetainMessagesOnRetry {
		m.sess.Messages = nil
	}
	m.sess.appendMessage("retrying provisioning")

	if m.metrics != nil {
		m.metrics.Retries.Inc()
	}

	m.beginLocked(ctx)
	m.notifyUnlock()
	return nil
}

// Close cancels the session: the channel closes, the poller stops, pending
// timers are cleared, and any still-in-flight results are discarded when
// they later resolve. Idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++

	m.stopCollaboratorsLocked()
	if m.openTimer != nil {
		m.openTimer.Stop()
		m.openTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}

	if m.recorder != nil && m.sess.AttemptID != "" && !m.sess.Stage.Terminal() {
		if err := m.recorder.RecordCancelled(m.sess.AttemptID); err != nil {
			m.logger.Warn("failed to record cancellation: %v", err)
		}
	}
	m.mu.Unlock()
}
