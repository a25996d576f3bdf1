// Package relay runs one full-duplex voice session between the local audio
// devices and a remote speech-to-speech agent.
//
// A [Relay] owns the capture pipeline (microphone to agent), the playback
// scheduler (agent to speaker) and the transcript accumulator, and drives them
// from the transport's callbacks. Only one session exists at a time. The
// lifecycle is
//
//	Idle → Connecting → Active → Closing → Idle
//
// with Errored → Idle taken from Connecting or Active on any unrecoverable
// device or transport failure. Every teardown path stops capture, force-stops
// playback and closes the transport.
//
// All exported methods are safe for concurrent use.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/transcript"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/capture"
	"github.com/MrWong99/voxrelay/pkg/audio/playback"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// ErrClosed is returned by [Relay.Start] after [Relay.Close].
var ErrClosed = errors.New("relay: closed")

// errUnexpectedClose is reported when the agent ends a session the relay did
// not ask to stop.
var errUnexpectedClose = errors.New("relay: connection closed by agent")

// ── State ────────────────────────────────────────────────────────────────────

// State is the lifecycle state of the relay.
type State int

const (
	// Idle means no session exists. Start is only accepted here.
	Idle State = iota

	// Connecting means the transport is being opened. Capture is already
	// running; frames are dropped until the transport opens.
	Connecting

	// Active means audio flows in both directions.
	Active

	// Closing means Stop was called and the relay waits for the transport
	// to confirm the close.
	Closing

	// Errored is entered on a fatal failure, immediately before teardown
	// returns the relay to Idle.
	Errored
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ── Config ───────────────────────────────────────────────────────────────────

// Config controls a [Relay]. Zero fields take their defaults.
type Config struct {
	// FrameSize is the number of samples per outbound frame. Default: 4096.
	FrameSize int

	// InputSampleRate is the rate of outbound audio. Default: 16000.
	InputSampleRate int

	// OutputSampleRate is assumed for inbound chunks that do not carry a
	// rate. Default: 24000.
	OutputSampleRate int

	// TranscriptGrace is how long the final transcript of a turn stays
	// visible. Default: [transcript.DefaultGrace].
	TranscriptGrace time.Duration

	// StopTimeout bounds how long Stop waits for the transport to confirm
	// the close before tearing down anyway. Default: 5s.
	StopTimeout time.Duration

	// Session is passed to the provider on every Start. Its sample rates are
	// overwritten by the fields above.
	Session s2s.Config
}

// Defaults for [Config].
const (
	DefaultStopTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FrameSize <= 0 {
		c.FrameSize = capture.DefaultFrameSize
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = capture.DefaultSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.TranscriptGrace <= 0 {
		c.TranscriptGrace = transcript.DefaultGrace
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	c.Session.InputSampleRate = c.InputSampleRate
	c.Session.OutputSampleRate = c.OutputSampleRate
	return c
}

// Deps holds the collaborators of a [Relay].
type Deps struct {
	// Provider opens agent sessions. Required.
	Provider s2s.Provider

	// Input is the microphone. Required.
	Input audio.InputDevice

	// Output is the speaker; it is owned by the relay's playback scheduler.
	// Required.
	Output audio.OutputDevice

	Config Config

	// Metrics receives relay metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option configures a [Relay] during construction.
type Option func(*Relay)

// WithLogger overrides the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// ── Status ───────────────────────────────────────────────────────────────────

// SessionInfo describes the current or connecting session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	TurnID    int       `json:"turn_id"`
}

// Status is the read-only view a host UI observes.
type Status struct {
	State           State        `json:"state"`
	Session         *SessionInfo `json:"session,omitempty"`
	UserTranscript  string       `json:"user_transcript"`
	AgentTranscript string       `json:"agent_transcript"`
	ErrorMessage    string       `json:"error_message,omitempty"`
}

// ── Relay ────────────────────────────────────────────────────────────────────

// Relay drives one voice session at a time.
type Relay struct {
	provider s2s.Provider
	input    audio.InputDevice
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger
	player   *playback.Scheduler

	decodeLog rate.Sometimes
	dropLog   rate.Sometimes

	// dispatchMu orders inbound dispatch against teardown, so nothing
	// reaches the player or accumulator after they are cleared.
	dispatchMu sync.Mutex

	mu     sync.Mutex
	state  State
	errMsg string
	sess   *session
	acc    *transcript.Accumulator
	closed bool

	// notifyMu serialises status listeners.
	notifyMu  sync.Mutex
	listeners map[int]func(Status)
	nextID    int
}

// New creates an idle [Relay].
func New(deps Deps, opts ...Option) *Relay {
	r := &Relay{
		provider:  deps.Provider,
		input:     deps.Input,
		cfg:       deps.Config.withDefaults(),
		metrics:   deps.Metrics,
		log:       slog.Default(),
		decodeLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		dropLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
		listeners: make(map[int]func(Status)),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.player = playback.New(deps.Output,
		playback.WithObserver(playbackObserver{r}),
		playback.WithLogger(r.log),
	)
	return r
}

// Status returns the current status.
func (r *Relay) Status() Status {
	r.mu.Lock()
	st := Status{State: r.state, ErrorMessage: r.errMsg}
	var info *SessionInfo
	if r.sess != nil {
		cp := r.sess.info
		info = &cp
	}
	acc := r.acc
	r.mu.Unlock()

	if acc != nil {
		snap := acc.Snapshot()
		st.UserTranscript, st.AgentTranscript = snap.User, snap.Agent
		if info != nil {
			info.TurnID = snap.TurnID
		}
	}
	st.Session = info
	return st
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStatus registers fn to receive the status after every state or
// transcript change. Calls are serialised; fn must not call Start, Stop or
// Close. The returned function unregisters fn.
func (r *Relay) OnStatus(fn func(Status)) (cancel func()) {
	r.notifyMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.notifyMu.Unlock()
	return func() {
		r.notifyMu.Lock()
		delete(r.listeners, id)
		r.notifyMu.Unlock()
	}
}

func (r *Relay) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if len(r.listeners) == 0 {
		return
	}
	st := r.Status()
	for _, fn := range r.listeners {
		fn(st)
	}
}

// AdvanceTurn starts a new transcript turn and returns its id. It returns 0
// when no session exists.
func (r *Relay) AdvanceTurn() int {
	r.mu.Lock()
	acc := r.acc
	live := r.sess != nil
	r.mu.Unlock()
	if !live || acc == nil {
		return 0
	}
	return acc.AdvanceTurn()
}

// Ready reports whether the relay can accept a new session.
func (r *Relay) Ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// SetAgent replaces the voice and instructions sent to the agent. The change
// applies from the next [Relay.Start]; a live session keeps its persona.
func (r *Relay) SetAgent(voice, instructions string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Session.Voice = voice
	r.cfg.Session.Instructions = instructions
}

// setStateLocked records a transition. r.mu must be held.
func (r *Relay) setStateLocked(ctx context.Context, to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	r.metrics.RecordTransition(ctx, from.String(), to.String())
	r.log.Debug("relay: state change", "from", from, "to", to)
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start opens a new session. It is a no-op unless the relay is [Idle].
//
// Capture starts before the transport opens; frames produced before the
// agent is ready are dropped. Device errors ([audio.ErrPermissionDenied],
// [audio.ErrDeviceUnavailable]) and synchronous transport failures are
// returned and leave the relay Idle with an error message. Asynchronous
// transport failures are reported through [Relay.Status].
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state != Idle {
		r.mu.Unlock()
		return nil
	}

	id := uuid.NewString()
	sctx, span := observe.StartSpan(context.WithoutCancel(ctx), "relay.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("provider", r.provider.Name()),
		),
	)
	s := &session{
		ctx:  sctx,
		span: span,
		info: SessionInfo{
			ID:        id,
			Provider:  r.provider.Name(),
			StartedAt: time.Now().UTC(),
		},
		log:  observe.WithTrace(sctx, r.log.With("session_id", id)),
		done: make(chan struct{}),
	}
	old := r.acc
	r.acc = transcript.New(r.cfg.TranscriptGrace,
		transcript.WithOnChange(func(transcript.Snapshot) { r.notify() }),
	)
	r.sess = s
	r.errMsg = ""
	sessCfg := r.cfg.Session
	r.setStateLocked(sctx, Connecting)
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	r.metrics.ActiveSessions.Add(sctx, 1)
	s.log.Info("relay: session starting", "provider", s.info.Provider)
	r.notify()

	pipe, err := capture.Start(sctx, r.input, r.sink(s), capture.Config{
		FrameSize:  r.cfg.FrameSize,
		SampleRate: r.cfg.InputSampleRate,
	}, capture.WithLogger(s.log))
	if err != nil {
		r.fail(s, err)
		r.finish(s)
		return fmt.Errorf("relay: start capture: %w", err)
	}
	if !s.attachCapture(pipe) {
		// Stopped while the device was opening. No transport will
		// confirm the close, so release Stop here.
		r.finish(s)
		return nil
	}

	handle, err := r.provider.Open(sctx, sessCfg, r.handlers(s))
	if err != nil {
		r.fail(s, err)
		r.finish(s)
		return fmt.Errorf("relay: open transport: %w", err)
	}
	s.attachHandle(handle)
	return nil
}

// sink forwards captured frames to the transport. It runs on the device
// goroutine and only enqueues.
func (r *Relay) sink(s *session) capture.FrameSink {
	return func(f audio.AudioFrame) {
		r.metrics.FramesCaptured.Add(s.ctx, 1)
		h := s.transport()
		if h == nil {
			r.metrics.RecordFrameDropped(s.ctx, observe.DropNotOpen)
			return
		}
		err := h.Send(s2s.NewMediaChunk(f))
		switch {
		case err == nil:
			r.metrics.FramesSent.Add(s.ctx, 1)
		case errors.Is(err, s2s.ErrNotOpen):
			r.metrics.RecordFrameDropped(s.ctx, observe.DropNotOpen)
		case errors.Is(err, s2s.ErrQueueFull):
			r.metrics.RecordFrameDropped(s.ctx, observe.DropQueueFull)
			r.dropLog.Do(func() {
				s.log.Warn("relay: transport send queue full, dropping frames")
			})
		case errors.Is(err, s2s.ErrSessionClosed):
			r.metrics.RecordFrameDropped(s.ctx, observe.DropClosed)
		default:
			r.metrics.RecordFrameDropped(s.ctx, observe.DropError)
			r.dropLog.Do(func() {
				s.log.Warn("relay: send frame failed", "err", err)
			})
		}
	}
}

// ── Transport callbacks ──────────────────────────────────────────────────────

// handlers binds the transport callbacks to s. Callbacks for a session that
// is no longer current are ignored.
func (r *Relay) handlers(s *session) s2s.Handlers {
	return s2s.Handlers{
		OnOpen:    func() { r.opened(s) },
		OnMessage: func(m s2s.Inbound) { r.dispatch(s, m) },
		OnError:   func(err error) { r.fail(s, err) },
		OnClose:   func() { r.transportClosed(s) },
	}
}

func (r *Relay) opened(s *session) {
	r.mu.Lock()
	if r.sess != s || r.state != Connecting {
		r.mu.Unlock()
		return
	}
	r.setStateLocked(s.ctx, Active)
	r.mu.Unlock()

	s.span.AddEvent("transport open")
	s.log.Info("relay: session active")
	r.notify()
}

// dispatch handles one inbound message.
func (r *Relay) dispatch(s *session, m s2s.Inbound) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	if r.sess != s || (r.state != Connecting && r.state != Active) {
		r.mu.Unlock()
		return
	}
	acc := r.acc
	r.mu.Unlock()

	r.metrics.RecordMessage(s.ctx, s2s.Kind(m))

	switch m := m.(type) {
	case s2s.AudioChunk:
		sr := m.SampleRate
		if sr <= 0 {
			sr = r.cfg.OutputSampleRate
		}
		if _, err := r.player.SchedulePCM16(m.Data, sr); err != nil {
			if audio.IsDecodeError(err) {
				r.decodeLog.Do(func() {
					s.log.Warn("relay: dropping undecodable audio chunk", "err", err)
				})
				return
			}
			s.log.Warn("relay: schedule audio chunk", "err", err)
		}
	case s2s.TranscriptFragment:
		if err := acc.Append(m.Role, m.Text); err != nil {
			s.log.Debug("relay: ignoring transcript fragment", "err", err)
		}
	case s2s.TurnComplete:
		r.metrics.TurnsCompleted.Add(s.ctx, 1)
		acc.TurnComplete()
	case s2s.Interrupted:
		n := r.player.Interrupt()
		acc.Interrupted()
		s.log.Debug("relay: agent interrupted", "stopped", n)
	default:
		s.log.Warn("relay: unknown inbound message", "type", fmt.Sprintf("%T", m))
	}
}

func (r *Relay) transportClosed(s *session) {
	r.mu.Lock()
	if r.sess != s {
		r.mu.Unlock()
		return
	}
	closing := r.state == Closing
	r.mu.Unlock()

	if closing {
		r.finish(s)
		return
	}
	r.fail(s, errUnexpectedClose)
}

// fail moves the relay through Errored to Idle. It ignores sessions that are
// no longer current or already closing.
func (r *Relay) fail(s *session, err error) {
	r.mu.Lock()
	if r.sess != s || (r.state != Connecting && r.state != Active) {
		closing := r.sess == s
		r.mu.Unlock()
		if closing {
			s.log.Debug("relay: error while closing", "err", err)
		}
		return
	}
	r.errMsg = errorMessage(err)
	r.setStateLocked(s.ctx, Errored)
	r.mu.Unlock()

	code := "unknown"
	var ce *s2s.ConnectionError
	if errors.As(err, &ce) && ce.Code != "" {
		code = ce.Code
	}
	switch {
	case errors.Is(err, audio.ErrPermissionDenied), errors.Is(err, audio.ErrDeviceUnavailable):
		code = "device"
	case errors.Is(err, errUnexpectedClose):
		code = "closed"
	}
	r.metrics.RecordTransportError(s.ctx, r.provider.Name(), code)
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.log.Error("relay: session failed", "err", err)
	r.notify()

	r.teardown(s)
	r.finish(s)
}

// teardown stops every component of s and clears playback and transcripts.
func (r *Relay) teardown(s *session) {
	s.shutdown()

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.player.Clear()
	r.mu.Lock()
	acc := r.acc
	r.mu.Unlock()
	if acc != nil {
		acc.Clear()
	}
}

// finish returns the relay to Idle if s is still current.
func (r *Relay) finish(s *session) {
	r.mu.Lock()
	if r.sess != s {
		r.mu.Unlock()
		return
	}
	r.sess = nil
	r.setStateLocked(s.ctx, Idle)
	r.mu.Unlock()

	r.notify()
	s.finishOnce.Do(func() {
		r.metrics.ActiveSessions.Add(s.ctx, -1)
		r.metrics.SessionDuration.Record(s.ctx, time.Since(s.info.StartedAt).Seconds())
		s.span.End()
		s.log.Info("relay: session ended")
		close(s.done)
	})
}

// ── Stop / Close ─────────────────────────────────────────────────────────────

// Stop closes the current session. It is a no-op unless the relay is
// [Connecting] or [Active]. Stop tears the session down immediately and then
// waits for the transport to confirm the close, for ctx, or for the
// configured stop timeout, whichever comes first; the relay is [Idle] when
// Stop returns.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	s := r.sess
	if s == nil || (r.state != Connecting && r.state != Active) {
		r.mu.Unlock()
		return nil
	}
	r.setStateLocked(s.ctx, Closing)
	r.mu.Unlock()

	s.log.Info("relay: session stopping")
	r.notify()
	r.teardown(s)

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-s.done:
	case <-timer.C:
		s.log.Warn("relay: transport did not confirm close", "timeout", r.cfg.StopTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("relay: stop: %w", ctx.Err())
	}
	r.finish(s)
	return err
}

// Close stops any session and releases the relay. Later Start calls return
// [ErrClosed]. Close is idempotent.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
	defer cancel()
	err := r.Stop(ctx)

	r.mu.Lock()
	acc := r.acc
	r.mu.Unlock()
	if acc != nil {
		acc.Close()
	}
	return err
}

// errorMessage turns a fatal error into the short text shown to the user.
func errorMessage(err error) string {
	var ce *s2s.ConnectionError
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "No microphone is available."
	case errors.Is(err, errUnexpectedClose):
		return "The agent closed the connection."
	case errors.As(err, &ce):
		return "Connection to the agent failed: " + ce.Err.Error()
	default:
		return "Connection to the agent failed: " + err.Error()
	}
}

// ── session ──────────────────────────────────────────────────────────────────

// session holds the handles owned by one Start. Components attached after
// shutdown are released immediately.
type session struct {
	ctx  context.Context
	span trace.Span
	info SessionInfo
	log  *slog.Logger

	done       chan struct{}
	finishOnce sync.Once

	mu      sync.Mutex
	closing bool
	pipe    *capture.Pipeline
	handle  s2s.SessionHandle
}

func (s *session) transport() s2s.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	return s.handle
}

func (s *session) attachCapture(p *capture.Pipeline) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = p.Stop()
		return false
	}
	s.pipe = p
	s.mu.Unlock()
	return true
}

func (s *session) attachHandle(h s2s.SessionHandle) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = h.Close()
		return
	}
	s.handle = h
	s.mu.Unlock()
}

// shutdown stops capture and closes the transport. Only the first call does
// anything.
func (s *session) shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	p, h := s.pipe, s.handle
	s.mu.Unlock()

	if p != nil {
		if err := p.Stop(); err != nil {
			s.log.Warn("relay: stop capture", "err", err)
		}
	}
	if h != nil {
		if err := h.Close(); err != nil {
			s.log.Debug("relay: close transport", "err", err)
		}
	}
}

// ── playback metrics ─────────────────────────────────────────────────────────

// playbackObserver feeds scheduler events into the relay metrics.
type playbackObserver struct{ r *Relay }

var _ playback.Observer = playbackObserver{}

func (o playbackObserver) Scheduled(b playback.Buffer, gap float64) {
	o.r.metrics.RecordScheduled(context.Background(), b.Duration, gap)
}

func (o playbackObserver) Dropped(err error) {
	if audio.IsDecodeError(err) {
		o.r.metrics.DecodeErrors.Add(context.Background(), 1)
	}
}

func (o playbackObserver) Flushed(reason playback.InterruptReason, stopped int) {
	if reason == playback.AgentInterrupted || stopped > 0 {
		o.r.metrics.RecordInterruption(context.Background(), reasonLabel(reason))
	}
}

func reasonLabel(r playback.InterruptReason) string {
	switch r {
	case playback.AgentInterrupted:
		return "agent_interrupted"
	case playback.Teardown:
		return "teardown"
	default:
		return "unknown"
	}
}
