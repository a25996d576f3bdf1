// Package transcript accumulates live transcript text for the user and the
// agent during a relay session.
//
// Fragments arrive incrementally from the agent transport and are concatenated
// per role in arrival order, with no deduplication or normalisation. When the
// agent signals the end of a turn, both roles are cleared after a short
// display-grace delay so a UI can show the final utterance briefly; a new
// fragment for a role before the delay elapses cancels that role's pending
// clear. An interruption immediately replaces the agent's text with
// [InterruptedMarker].
//
// The turn counter is owned by the host: it only changes through
// [Accumulator.AdvanceTurn].
//
// All methods are safe for concurrent use.
package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// DefaultGrace is the display-grace delay used when New is given zero.
const DefaultGrace = 5 * time.Second

// InterruptedMarker replaces the agent's text when its turn is cut short.
const InterruptedMarker = "[interrupted]"

// Snapshot is a point-in-time copy of the transcript state.
type Snapshot struct {
	User   string
	Agent  string
	TurnID int
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithOnChange registers fn to receive a snapshot after every change. fn is
// called without internal locks held, possibly from a timer goroutine.
func WithOnChange(fn func(Snapshot)) Option {
	return func(a *Accumulator) { a.onChange = fn }
}

// roleState is the text and pending clear of one role. gen increases on every
// mutation so a grace timer armed for an older generation does nothing.
type roleState struct {
	text        string
	gen         uint64
	timer       *time.Timer
	interrupted bool
}

func (r *roleState) cancelClear() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Accumulator holds the per-role transcript text of one session.
type Accumulator struct {
	grace    time.Duration
	onChange func(Snapshot)

	// notifyMu serialises onChange so observers see snapshots in order.
	notifyMu sync.Mutex

	mu     sync.Mutex
	user   roleState
	agent  roleState
	turnID int
	closed bool
}

// New returns an empty Accumulator. A non-positive grace uses [DefaultGrace].
func New(grace time.Duration, opts ...Option) *Accumulator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	a := &Accumulator{grace: grace}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Accumulator) role(r s2s.Role) (*roleState, error) {
	switch r {
	case s2s.RoleUser:
		return &a.user, nil
	case s2s.RoleAgent:
		return &a.agent, nil
	default:
		return nil, fmt.Errorf("transcript: unknown role %q", r)
	}
}

// Append concatenates text onto role's transcript and cancels any pending
// grace clear for that role. The first agent fragment after an interruption
// replaces the marker.
func (a *Accumulator) Append(role s2s.Role, text string) error {
	a.mu.Lock()
	rs, err := a.role(role)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	rs.cancelClear()
	if rs.interrupted {
		rs.text = ""
		rs.interrupted = false
	}
	rs.text += text
	a.mu.Unlock()

	a.notify()
	return nil
}

// TurnComplete schedules both roles to be cleared after the grace delay.
func (a *Accumulator) TurnComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.armClear(s2s.RoleUser, &a.user)
	a.armClear(s2s.RoleAgent, &a.agent)
}

func (a *Accumulator) armClear(role s2s.Role, rs *roleState) {
	rs.cancelClear()
	gen := rs.gen
	rs.timer = time.AfterFunc(a.grace, func() { a.clearIfCurrent(role, gen) })
}

func (a *Accumulator) clearIfCurrent(role s2s.Role, gen uint64) {
	a.mu.Lock()
	rs, _ := a.role(role)
	if a.closed || rs.gen != gen {
		a.mu.Unlock()
		return
	}
	rs.text = ""
	rs.interrupted = false
	rs.timer = nil
	a.mu.Unlock()

	a.notify()
}

// Interrupted replaces the agent's text with [InterruptedMarker]. The user's
// text is left untouched.
func (a *Accumulator) Interrupted() {
	a.mu.Lock()
	a.agent.cancelClear()
	a.agent.text = InterruptedMarker
	a.agent.interrupted = true
	a.mu.Unlock()

	a.notify()
}

// Clear empties both roles immediately and cancels pending clears. The turn
// counter is kept.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	a.user.cancelClear()
	a.agent.cancelClear()
	a.user = roleState{gen: a.user.gen}
	a.agent = roleState{gen: a.agent.gen}
	a.mu.Unlock()

	a.notify()
}

// AdvanceTurn increments the turn counter and returns the new value.
func (a *Accumulator) AdvanceTurn() int {
	a.mu.Lock()
	a.turnID++
	id := a.turnID
	a.mu.Unlock()

	a.notify()
	return id
}

// Snapshot returns the current state.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Accumulator) snapshotLocked() Snapshot {
	return Snapshot{User: a.user.text, Agent: a.agent.text, TurnID: a.turnID}
}

// Close stops pending grace timers. Text is kept; later TurnComplete calls
// are ignored.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.user.cancelClear()
	a.agent.cancelClear()
}

func (a *Accumulator) notify() {
	if a.onChange == nil {
		return
	}
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	a.onChange(a.Snapshot())
}
