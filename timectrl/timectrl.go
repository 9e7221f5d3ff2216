package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. This allows the
// DAMA runtime (scheduler, agents, controller) to depend on a clock
// abstraction rather than a concrete time controller type.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners return.
	Accelerated
)

// Tick describes one frame boundary.
type Tick struct {
	Time       time.Time
	Frame      uint64 // frames since start
	Superframe uint32 // superframe number
	// FrameInSuperframe is the position of the frame in its superframe.
	FrameInSuperframe uint32
	// StartOfSuperframe is set on the first frame of every superframe.
	StartOfSuperframe bool
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time frame by frame and notifies
// registered listeners. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	// Tick is the frame duration.
	Tick time.Duration
	// FramesPerSuperframe groups frames into superframes.
	FramesPerSuperframe uint32
	Mode                Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time
	next        uint64

	timers    []timer
	listeners []func(Tick)
}

// NewTimeController constructs a controller. A zero framesPerSuperframe is
// treated as one frame per superframe.
func NewTimeController(start time.Time, frame time.Duration, framesPerSuperframe uint32, mode Mode) *TimeController {
	if framesPerSuperframe == 0 {
		framesPerSuperframe = 1
	}
	return &TimeController{
		StartTime:           start,
		Tick:                frame,
		FramesPerSuperframe: framesPerSuperframe,
		Mode:                mode,
		currentTime:         start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the simulation clock without emitting ticks.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	fired := tc.expireTimersLocked(t)
	tc.mu.Unlock()
	deliver(fired, t)
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, timer{at: at, ch: ch})
	return ch
}

// AddListener registers a callback invoked on every frame tick.
func (tc *TimeController) AddListener(fn func(Tick)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step emits the next frame tick synchronously and returns it. The first
// call emits frame 0 at StartTime, which starts superframe 0.
func (tc *TimeController) Step() Tick {
	tc.mu.Lock()
	frame := tc.next
	tc.next++
	tick := Tick{
		Time:              tc.StartTime.Add(time.Duration(frame) * tc.Tick),
		Frame:             frame,
		Superframe:        uint32(frame / uint64(tc.FramesPerSuperframe)),
		FrameInSuperframe: uint32(frame % uint64(tc.FramesPerSuperframe)),
	}
	tick.StartOfSuperframe = tick.FrameInSuperframe == 0
	tc.currentTime = tick.Time
	fired := tc.expireTimersLocked(tick.Time)
	listeners := append(([]func(Tick))(nil), tc.listeners...)
	tc.mu.Unlock()

	deliver(fired, tick.Time)
	for _, fn := range listeners {
		fn(tick)
	}
	return tick
}

// Run emits frames until ctx is done or, when frames > 0, until that many
// frames have been emitted. RealTime paces frames on a wall-clock ticker.
func (tc *TimeController) Run(ctx context.Context, frames uint64) error {
	var pace <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		pace = ticker.C
	}
	for n := uint64(0); frames == 0 || n < frames; n++ {
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		tc.Step()
	}
	return nil
}

// Start runs the controller for the specified duration of simulation time in
// a separate goroutine. It returns a channel that is closed when the
// controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	frames := uint64(1)
	if tc.Tick > 0 {
		frames = uint64(duration/tc.Tick) + 1
	}
	go func() {
		defer close(done)
		_ = tc.Run(context.Background(), frames)
	}()
	return done
}

func (tc *TimeController) expireTimersLocked(now time.Time) []chan time.Time {
	var fired []chan time.Time
	kept := tc.timers[:0]
	for _, t := range tc.timers {
		if !t.at.After(now) {
			fired = append(fired, t.ch)
			continue
		}
		kept = append(kept, t)
	}
	tc.timers = kept
	return fired
}

func deliver(chs []chan time.Time, now time.Time) {
	for _, ch := range chs {
		ch <- now
	}
}
