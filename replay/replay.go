// Package replay plays recorded traces back onto CAN bus with original timing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/trace"
	"math"
	"sync"
	"time"
)

var (
	// ErrInvalidState is returned when operation is not allowed in current player state
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNotConnected is returned when playback is started without bus
	ErrNotConnected = errors.New("player is not connected to bus")
	// ErrInvalidSpeed is returned when playback speed is not positive
	ErrInvalidSpeed = errors.New("playback speed must be positive")
	// ErrStopTimeout is returned when playback worker did not stop in time
	ErrStopTimeout = errors.New("playback worker did not stop in time")
)

// State is player state
type State int

const (
	// StateIdle is state before any trace has been loaded
	StateIdle State = iota
	// StateLoaded means trace is loaded and playback can be started
	StateLoaded
	// StatePlaying means frames are being sent
	StatePlaying
	// StatePaused means playback is paused and can be resumed
	StatePaused
	// StateStopped means playback has ended or was stopped. Playback can be started again.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config is configuration for Player
type Config struct {
	// Speed is playback speed multiplier. 2 plays twice as fast as recorded. Defaults to 1.
	Speed float64
	// LoopSettle is pause between loop iterations. Defaults to 500ms.
	LoopSettle time.Duration
	// StopTimeout is how long Stop waits for worker to exit. Defaults to 2s.
	StopTimeout time.Duration
	// SendTimeout limits single frame write. Defaults to 100ms.
	SendTimeout time.Duration

	Logger *zerolog.Logger
}

// Status is snapshot of player state
type Status struct {
	Trace      string  `json:"trace"`
	State      string  `json:"state"`
	Connected  bool    `json:"connected"`
	Total      int     `json:"total"`
	Sent       int     `json:"sent"`
	Position   int     `json:"position"`
	Playing    bool    `json:"playing"`
	Paused     bool    `json:"paused"`
	Loop       bool    `json:"loop"`
	Loops      int     `json:"loops"`
	Speed      float64 `json:"speed"`
	SendErrors uint64  `json:"send_errors"`
	LastError  string  `json:"last_error,omitempty"`
}

// Player sends trace records to bus. All methods are safe for concurrent use. Single worker goroutine is used for
// playback.
type Player struct {
	config Config
	logger zerolog.Logger
	// sendErrLogger is sampled logger so failing bus does not flood logs
	sendErrLogger zerolog.Logger

	mu    sync.Mutex
	state State
	trace *trace.Trace
	bus   thinkcan.Bus
	speed float64
	loop  bool

	sent       int
	position   int
	loops      int
	sendErrors uint64
	lastErr    error

	pausedAt    time.Time
	pausedTotal time.Duration

	stop chan struct{}
	wake chan struct{}
	done chan struct{}
}

// NewPlayer creates new trace player
func NewPlayer(config Config) *Player {
	if config.Speed <= 0 {
		config.Speed = 1
	}
	if config.LoopSettle <= 0 {
		config.LoopSettle = 500 * time.Millisecond
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 2 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 100 * time.Millisecond
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Player{
		config:        config,
		logger:        logger,
		sendErrLogger: logger.Sample(&zerolog.BasicSampler{N: 100}),
		speed:         config.Speed,
	}
}

// Load loads .trc or candump .log file for playback
func (p *Player) Load(path string) error {
	t, err := trace.LoadFile(path, trace.ParseConfig{Logger: &p.logger})
	if err != nil {
		return err
	}
	return p.LoadTrace(t)
}

// LoadTrace loads already parsed trace for playback
func (p *Player) LoadTrace(t *trace.Trace) error {
	if t == nil || t.Len() == 0 {
		return trace.ErrEmptyTrace
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePlaying || p.state == StatePaused {
		return fmt.Errorf("%w: load while %v", ErrInvalidState, p.state)
	}
	p.trace = t
	p.state = StateLoaded
	p.sent = 0
	p.position = 0
	p.loops = 0

	p.logger.Info().
		Str("trace", t.Name).
		Int("messages", t.Len()).
		Dur("duration", t.Duration()).
		Int("warnings", len(t.Warnings)).
		Msg("trace loaded")
	return nil
}

// Connect initializes bus and uses it for playback
func (p *Player) Connect(bus thinkcan.Bus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePlaying || p.state == StatePaused {
		return fmt.Errorf("%w: connect while %v", ErrInvalidState, p.state)
	}
	if err := bus.Initialize(); err != nil {
		return fmt.Errorf("bus initialization failure: %w", err)
	}
	p.bus = bus
	return nil
}

// Disconnect closes the bus. Playback must be stopped before disconnecting.
func (p *Player) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePlaying || p.state == StatePaused {
		return fmt.Errorf("%w: disconnect while %v", ErrInvalidState, p.state)
	}
	if p.workerRunning() {
		return fmt.Errorf("%w: disconnect while playback worker has not exited", ErrInvalidState)
	}
	if p.bus == nil {
		return nil
	}
	err := p.bus.Close()
	p.bus = nil
	return err
}

// SetSpeed sets playback speed multiplier. Speed can not be changed during playback.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePlaying || p.state == StatePaused {
		return fmt.Errorf("%w: set speed while %v", ErrInvalidState, p.state)
	}
	p.speed = speed
	return nil
}

// Start starts playback in background. When loop is true trace is played repeatedly until Stop is called.
func (p *Player) Start(loop bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateLoaded && p.state != StateStopped {
		return fmt.Errorf("%w: start while %v", ErrInvalidState, p.state)
	}
	if p.workerRunning() {
		return fmt.Errorf("%w: previous playback worker has not exited", ErrInvalidState)
	}
	if p.bus == nil {
		return ErrNotConnected
	}

	p.loop = loop
	p.sent = 0
	p.position = 0
	p.loops = 0
	p.sendErrors = 0
	p.lastErr = nil
	p.pausedTotal = 0
	p.stop = make(chan struct{})
	p.wake = make(chan struct{}, 1)
	p.done = make(chan struct{})
	p.state = StatePlaying

	go p.run(p.trace.Records, p.bus, p.speed, p.stop, p.done)

	p.logger.Info().Bool("loop", loop).Float64("speed", p.speed).Msg("playback started")
	return nil
}

// Pause pauses playback. Time spent in pause is not counted against trace schedule.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying {
		return fmt.Errorf("%w: pause while %v", ErrInvalidState, p.state)
	}
	p.state = StatePaused
	p.pausedAt = time.Now()
	p.signalWake()
	return nil
}

// Resume continues paused playback from where it was paused
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePaused {
		return fmt.Errorf("%w: resume while %v", ErrInvalidState, p.state)
	}
	p.pausedTotal += time.Since(p.pausedAt)
	p.state = StatePlaying
	p.signalWake()
	return nil
}

// workerRunning reports if worker of previous playback is still alive. Stop may give up waiting on worker that is
// stuck in bus write. Must be called with mu held.
func (p *Player) workerRunning() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Player) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop stops playback and waits for worker to exit. Returns number of frames sent. When worker does not exit within
// StopTimeout ErrStopTimeout is returned and Start is refused until the worker has exited.
func (p *Player) Stop() (int, error) {
	p.mu.Lock()
	if p.state != StatePlaying && p.state != StatePaused {
		sent := p.sent
		p.mu.Unlock()
		return sent, nil
	}
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	var err error
	timer := time.NewTimer(p.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = ErrStopTimeout
		p.logger.Error().Err(err).Msg("playback stop failure")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
	p.logger.Info().Int("sent", p.sent).Msg("playback stopped")
	return p.sent, err
}

// Done returns channel that is closed when current playback ends. Returns nil when playback has not been started.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Status returns snapshot of player state
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		State:      p.state.String(),
		Connected:  p.bus != nil,
		Sent:       p.sent,
		Position:   p.position,
		Playing:    p.state == StatePlaying,
		Paused:     p.state == StatePaused,
		Loop:       p.loop,
		Loops:      p.loops,
		Speed:      p.speed,
		SendErrors: p.sendErrors,
	}
	if p.trace != nil {
		s.Trace = p.trace.Name
		s.Total = p.trace.Len()
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// State returns current player state
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) run(records []trace.Record, bus thinkcan.Bus, speed float64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("playback worker panic: %v", r)
			p.logger.Error().Err(err).Msg("playback aborted")
			p.mu.Lock()
			p.lastErr = err
			p.state = StateStopped
			p.mu.Unlock()
		}
	}()

	for {
		if !p.playOnce(records, bus, speed, stop) {
			return
		}

		p.mu.Lock()
		p.loops++
		loop := p.loop
		if !loop {
			p.state = StateStopped
		}
		p.mu.Unlock()
		if !loop {
			p.logger.Info().Msg("playback finished")
			return
		}

		settle := time.NewTimer(p.config.LoopSettle)
		select {
		case <-stop:
			settle.Stop()
			return
		case <-settle.C:
		}
	}
}

// playOnce sends all records following absolute schedule. Returns false when playback was stopped.
func (p *Player) playOnce(records []trace.Record, bus thinkcan.Bus, speed float64, stop <-chan struct{}) bool {
	first := records[0].Offset
	start := time.Now()
	p.mu.Lock()
	p.position = 0
	p.pausedTotal = 0
	if p.state == StatePaused {
		// pause that began before this iteration only counts from its start
		p.pausedAt = start
	}
	p.mu.Unlock()

	for i, r := range records {
		offset := time.Duration(math.Round((r.Offset - first) / speed * float64(time.Millisecond)))
		if !p.waitUntil(start, offset, stop) {
			return false
		}

		frame := r.Frame
		frame.Time = time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), p.config.SendTimeout)
		err := bus.WriteFrame(ctx, frame)
		cancel()

		p.mu.Lock()
		p.position = i + 1
		if err != nil {
			p.sendErrors++
			p.lastErr = err
		} else {
			p.sent++
		}
		p.mu.Unlock()
		if err != nil {
			p.sendErrLogger.Warn().Err(err).Str("frame", frame.String()).Msg("frame send failure")
		}
	}
	return true
}

// waitUntil waits until start + time spent paused + offset. Returns false when stop was requested.
func (p *Player) waitUntil(start time.Time, offset time.Duration, stop <-chan struct{}) bool {
	for {
		p.mu.Lock()
		paused := p.state == StatePaused
		deadline := start.Add(p.pausedTotal + offset)
		wake := p.wake
		p.mu.Unlock()

		if paused {
			select {
			case <-stop:
				return false
			case <-wake:
				continue
			}
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			select {
			case <-stop:
				return false
			default:
				return true
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return false
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
