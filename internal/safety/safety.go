// Package safety holds the process-wide operating flags that override normal
// dispatch: demo mode, the kill switch and global read-only mode.
//
// Flags are read as one immutable snapshot per request. Writers build a fresh
// State and swap it in, so a reader never observes a half-applied toggle.
package safety

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is an immutable view of the safety flags.
type State struct {
	DemoMode       bool      `json:"demo_mode"`
	KillSwitch     bool      `json:"kill_switch"`
	GlobalReadOnly bool      `json:"global_read_only"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Flag names one safety flag.
type Flag string

const (
	FlagDemoMode   Flag = "demo_mode"
	FlagKillSwitch Flag = "kill_switch"
	FlagReadOnly   Flag = "global_read_only"
)

// Flags lists every flag in a fixed order.
var Flags = []Flag{FlagDemoMode, FlagKillSwitch, FlagReadOnly}

// Change is a single flag assignment. At orders changes to the same flag;
// changes to different flags never override each other.
type Change struct {
	Flag    Flag      `json:"flag"`
	Enabled bool      `json:"enabled"`
	At      time.Time `json:"at"`
}

func (s *State) set(f Flag, enabled bool) bool {
	switch f {
	case FlagDemoMode:
		s.DemoMode = enabled
	case FlagKillSwitch:
		s.KillSwitch = enabled
	case FlagReadOnly:
		s.GlobalReadOnly = enabled
	default:
		return false
	}
	return true
}

// Get reports the value of f.
func (s State) Get(f Flag) bool {
	switch f {
	case FlagDemoMode:
		return s.DemoMode
	case FlagKillSwitch:
		return s.KillSwitch
	case FlagReadOnly:
		return s.GlobalReadOnly
	}
	return false
}

// Origin tells listeners where a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Listener is notified after every change with the new state and the flag
// assignments that produced it. Listeners run on the writer's goroutine while
// writes are serialized and must not call back into the Controller's setters.
type Listener func(State, []Change, Origin)

// Controller owns the current State.
type Controller struct {
	state     atomic.Pointer[State]
	mu        sync.Mutex
	stamps    map[Flag]time.Time
	listeners []Listener
	now       func() time.Time
	logger    *zap.Logger
}

// NewController creates a controller seeded with initial.
func NewController(initial State, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{now: time.Now, logger: logger, stamps: make(map[Flag]time.Time, len(Flags))}
	if initial.UpdatedAt.IsZero() {
		initial.UpdatedAt = c.now()
	}
	for _, f := range Flags {
		c.stamps[f] = initial.UpdatedAt
	}
	c.state.Store(&initial)
	return c
}

// Snapshot returns the current flags. It never blocks.
func (c *Controller) Snapshot() State {
	return *c.state.Load()
}

// SetDemoMode toggles demo mode and returns the resulting state.
func (c *Controller) SetDemoMode(enabled bool) State {
	return c.update(Change{Flag: FlagDemoMode, Enabled: enabled})
}

// SetKillSwitch toggles the kill switch and returns the resulting state.
func (c *Controller) SetKillSwitch(enabled bool) State {
	return c.update(Change{Flag: FlagKillSwitch, Enabled: enabled})
}

// SetReadOnly toggles global read-only mode and returns the resulting state.
func (c *Controller) SetReadOnly(enabled bool) State {
	return c.update(Change{Flag: FlagReadOnly, Enabled: enabled})
}

// Apply replaces all flags at once.
func (c *Controller) Apply(next State) State {
	changes := make([]Change, 0, len(Flags))
	for _, f := range Flags {
		changes = append(changes, Change{Flag: f, Enabled: next.Get(f)})
	}
	return c.update(changes...)
}

// Stamps returns the time each flag was last assigned.
func (c *Controller) Stamps() map[Flag]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Flag]time.Time, len(c.stamps))
	for f, at := range c.stamps {
		out[f] = at
	}
	return out
}

// applyRemote merges changes received from another replica flag by flag. A
// change is kept only if it is newer than the last assignment of the same
// flag, unless force is set. It returns the changes that took effect.
func (c *Controller) applyRemote(changes []Change, force bool) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.state.Load()
	var applied []Change
	for _, ch := range changes {
		if !force && !ch.At.After(c.stamps[ch.Flag]) {
			continue
		}
		if !next.set(ch.Flag, ch.Enabled) {
			continue
		}
		c.stamps[ch.Flag] = ch.At
		if ch.At.After(next.UpdatedAt) {
			next.UpdatedAt = ch.At
		}
		applied = append(applied, ch)
	}
	if len(applied) == 0 {
		return nil
	}
	c.state.Store(&next)
	c.logChange(next, OriginRemote)
	c.notify(next, applied, OriginRemote)
	return applied
}

// OnChange registers a listener.
func (c *Controller) OnChange(fn Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) update(changes ...Change) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Truncate(time.Microsecond)
	next := *c.state.Load()
	for i := range changes {
		f := changes[i].Flag
		// Stamps per flag only move forward, even if the clock does not.
		at := now
		if last := c.stamps[f]; !at.After(last) {
			at = last.Add(time.Microsecond)
		}
		changes[i].At = at
		next.set(f, changes[i].Enabled)
		c.stamps[f] = at
		if at.After(next.UpdatedAt) {
			next.UpdatedAt = at
		}
	}
	c.state.Store(&next)

	c.logChange(next, OriginLocal)
	c.notify(next, changes, OriginLocal)
	return next
}

func (c *Controller) notify(s State, changes []Change, origin Origin) {
	for _, fn := range c.listeners {
		fn(s, changes, origin)
	}
}

func (c *Controller) logChange(s State, origin Origin) {
	c.logger.Info("safety state changed",
		zap.Bool("demo_mode", s.DemoMode),
		zap.Bool("kill_switch", s.KillSwitch),
		zap.Bool("global_read_only", s.GlobalReadOnly),
		zap.String("origin", string(origin)),
	)
}
