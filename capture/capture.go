// Package capture records frames received from CAN bus into PCAN .trc trace files.
package capture

import (
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/trace"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidState is returned when operation is not allowed in current recorder state
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrInsufficientSpace is returned when there is not enough free disk space to start or continue recording
	ErrInsufficientSpace = errors.New("insufficient free disk space")
)

const (
	// StopReasonRequested is used when recording was stopped with Stop call
	StopReasonRequested = "stopped"
	// StopReasonNoSpace is used when recording was stopped because disk ran out of free space
	StopReasonNoSpace = "insufficient disk space"
	// StopReasonWriteError is used when recording was stopped because writing to file failed
	StopReasonWriteError = "write error"
)

// State is recorder state
type State int32

const (
	// StateIdle is state before first recording
	StateIdle State = iota
	// StateRecording means received frames are written to file
	StateRecording
	// StatePaused means received frames are discarded until recording is resumed
	StatePaused
	// StateStopped means recording has ended
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DefaultMinFreeBytes is suggested free disk space threshold for recording
const DefaultMinFreeBytes = 100 * 1024 * 1024

// Config is configuration for Recorder
type Config struct {
	// Dir is directory where trace files are created
	Dir string
	// MinFreeBytes is free disk space required to start and continue recording. Zero disables the threshold but free
	// space is still queried and query failure still refuses recording. See DefaultMinFreeBytes.
	MinFreeBytes uint64
	// QueueSize is number of frames buffered between bus reader and file writer. Defaults to 10000.
	QueueSize int
	// FlushEvery is number of frames after which file buffer is flushed. Defaults to 100.
	FlushEvery int
	// SpaceCheckEvery is number of frames after which free disk space is checked again. Defaults to 1000.
	SpaceCheckEvery int

	Logger *zerolog.Logger
}

// Summary describes finished recording
type Summary struct {
	File       string        `json:"file"`
	Path       string        `json:"path"`
	Started    time.Time     `json:"started"`
	Ended      time.Time     `json:"ended"`
	Duration   time.Duration `json:"duration"`
	Messages   int           `json:"messages"`
	UniqueIDs  int           `json:"unique_ids"`
	Rate       float64       `json:"rate"`
	Dropped    uint64        `json:"dropped"`
	FileSize   int64         `json:"file_size"`
	StopReason string        `json:"stop_reason"`
	Error      string        `json:"error,omitempty"`
}

// Status is snapshot of recorder state
type Status struct {
	State     string        `json:"state"`
	File      string        `json:"file,omitempty"`
	Path      string        `json:"path,omitempty"`
	Messages  int64         `json:"messages"`
	Dropped   uint64        `json:"dropped"`
	Queued    int           `json:"queued"`
	Duration  time.Duration `json:"duration"`
	LastError string        `json:"last_error,omitempty"`
}

// Recorder writes frames to trace file. Record is non-blocking and can be called from bus reading loop, frames are
// written to file by separate worker goroutine. When worker can not keep up frames are dropped and counted.
type Recorder struct {
	config Config
	logger zerolog.Logger

	// state is read without lock by Record
	state    atomic.Int32
	queue    chan thinkcan.Frame
	dropped  atomic.Uint64
	messages atomic.Int64

	mu      sync.Mutex
	session *session

	freeSpace func(dir string) (uint64, error)
	create    func(path string) (io.WriteCloser, error)
	timeNow   func() time.Time
}

// session is single recording. Fields are immutable except summary and err that are written by worker before
// done is closed.
type session struct {
	path    string
	started time.Time
	stop    chan struct{}
	done    chan struct{}

	summary Summary
	err     error
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// NewRecorder creates new trace recorder
func NewRecorder(config Config) *Recorder {
	if config.QueueSize <= 0 {
		config.QueueSize = 10000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 100
	}
	if config.SpaceCheckEvery <= 0 {
		config.SpaceCheckEvery = 1000
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Recorder{
		config:    config,
		logger:    logger,
		queue:     make(chan thinkcan.Frame, config.QueueSize),
		freeSpace: FreeSpace,
		create: func(path string) (io.WriteCloser, error) {
			return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		},
		timeNow: time.Now,
	}
}

// State returns current recorder state
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Start creates new trace file and starts recording. When name is empty file name is generated from current time
// (ThinkCity_YYYY-MM-DD_HH-MM-SS.trc). Existing files are never overwritten, `_N` suffix is added instead.
// Recording is not started when there is not enough free disk space.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.State(); s == StateRecording || s == StatePaused {
		return "", fmt.Errorf("%w: start while %v", ErrInvalidState, s)
	}
	if r.session != nil {
		// previous worker may still be closing file after stopping on its own
		<-r.session.done
	}
	if err := os.MkdirAll(r.config.Dir, 0755); err != nil {
		return "", fmt.Errorf("capture directory creation failure: %w", err)
	}
	free, err := r.freeSpace(r.config.Dir)
	if err != nil {
		return "", fmt.Errorf("free space check failure: %w", err)
	}
	if free < r.config.MinFreeBytes {
		return "", fmt.Errorf("%w: %d MB free, %d MB required", ErrInsufficientSpace, free/1024/1024, r.config.MinFreeBytes/1024/1024)
	}

	now := r.timeNow()
	if name == "" {
		name = "ThinkCity_" + now.Format("2006-01-02_15-04-05")
	}
	if !strings.HasSuffix(strings.ToLower(name), ".trc") {
		name += ".trc"
	}
	path := uniquePath(filepath.Join(r.config.Dir, filepath.Base(name)))

	f, err := r.create(path)
	if err != nil {
		return "", fmt.Errorf("trace file creation failure: %w", err)
	}
	w := trace.NewWriter(f)
	err = w.WriteHeader(now)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("trace header write failure: %w", err)
	}

	// frames left over from previous recording do not belong to this file
	for len(r.queue) > 0 {
		<-r.queue
	}
	r.dropped.Store(0)
	r.messages.Store(0)
	r.session = &session{
		path:    path,
		started: now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.state.Store(int32(StateRecording))

	go r.run(r.session, w, f)

	r.logger.Info().Str("path", path).Uint64("free_mb", free/1024/1024).Msg("recording started")
	return path, nil
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// Record queues frame for writing. Never blocks. Returns false when frame was not queued: recorder is not
// recording, is paused or queue is full. Frames not queued because of full queue are counted as dropped.
func (r *Recorder) Record(frame thinkcan.Frame) bool {
	if State(r.state.Load()) != StateRecording {
		return false
	}
	if frame.Time.IsZero() {
		frame.Time = time.Now()
	}
	select {
	case r.queue <- frame:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Pause stops writing frames. Frames received while paused are discarded.
func (r *Recorder) Pause() error {
	if !r.state.CompareAndSwap(int32(StateRecording), int32(StatePaused)) {
		return fmt.Errorf("%w: pause while %v", ErrInvalidState, r.State())
	}
	r.logger.Info().Msg("recording paused")
	return nil
}

// Resume continues paused recording
func (r *Recorder) Resume() error {
	if !r.state.CompareAndSwap(int32(StatePaused), int32(StateRecording)) {
		return fmt.Errorf("%w: resume while %v", ErrInvalidState, r.State())
	}
	r.logger.Info().Msg("recording resumed")
	return nil
}

// Stop stops recording, writes queued frames, closes file and returns summary of the recording. When recording
// already stopped on its own (disk full or write error) summary of that recording is returned.
func (r *Recorder) Stop() (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return Summary{}, fmt.Errorf("%w: stop while %v", ErrInvalidState, StateIdle)
	}
	if s := r.State(); s == StateRecording || s == StatePaused {
		r.state.Store(int32(StateStopped))
		close(r.session.stop)
	}
	<-r.session.done

	summary := r.session.summary
	r.logger.Info().
		Str("path", summary.Path).
		Int("messages", summary.Messages).
		Uint64("dropped", summary.Dropped).
		Str("reason", summary.StopReason).
		Msg("recording stopped")
	return summary, r.session.err
}

// Status returns snapshot of recorder state
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.State()
	s := Status{
		State:    state.String(),
		Messages: r.messages.Load(),
		Dropped:  r.dropped.Load(),
		Queued:   len(r.queue),
	}
	if r.session == nil {
		return s
	}
	s.Path = r.session.path
	s.File = filepath.Base(r.session.path)
	if state == StateRecording || state == StatePaused {
		s.Duration = r.timeNow().Sub(r.session.started)
	}
	if r.session.finished() && r.session.err != nil {
		s.LastError = r.session.err.Error()
	}
	return s
}

type worker struct {
	w       *trace.Writer
	started time.Time
	count   int
	ids     map[uint32]struct{}
}

func (r *Recorder) run(s *session, w *trace.Writer, file io.Closer) {
	defer close(s.done)

	wk := &worker{w: w, started: s.started, ids: map[uint32]struct{}{}}
	reason, err := r.writeLoop(wk, s.stop)
	if flushErr := w.Flush(); err == nil && flushErr != nil {
		reason, err = StopReasonWriteError, flushErr
	}
	if closeErr := file.Close(); err == nil && closeErr != nil {
		reason, err = StopReasonWriteError, closeErr
	}
	r.state.Store(int32(StateStopped))

	ended := r.timeNow()
	summary := Summary{
		File:       filepath.Base(s.path),
		Path:       s.path,
		Started:    s.started,
		Ended:      ended,
		Duration:   ended.Sub(s.started),
		Messages:   wk.count,
		UniqueIDs:  len(wk.ids),
		Dropped:    r.dropped.Load(),
		StopReason: reason,
	}
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.Rate = float64(wk.count) / secs
	}
	if fi, statErr := os.Stat(s.path); statErr == nil {
		summary.FileSize = fi.Size()
	}
	if err != nil {
		summary.Error = err.Error()
		r.logger.Error().Err(err).Str("reason", reason).Msg("recording aborted")
	}
	s.summary = summary
	s.err = err
}

func (r *Recorder) writeLoop(wk *worker, stop <-chan struct{}) (string, error) {
	for {
		select {
		case <-stop:
			// write what is already queued
			for {
				select {
				case f := <-r.queue:
					if err := r.write(wk, f); err != nil {
						return StopReasonWriteError, err
					}
				default:
					return StopReasonRequested, nil
				}
			}
		case f := <-r.queue:
			if err := r.write(wk, f); err != nil {
				return StopReasonWriteError, err
			}
			if wk.count%r.config.SpaceCheckEvery == 0 {
				if err := r.checkSpace(); err != nil {
					return StopReasonNoSpace, err
				}
			}
		}
	}
}

func (r *Recorder) write(wk *worker, f thinkcan.Frame) error {
	offset := float64(f.Time.Sub(wk.started).Microseconds()) / 1000
	if offset < 0 {
		offset = 0
	}
	if err := wk.w.WriteFrame(offset, f); err != nil {
		return err
	}
	wk.count++
	wk.ids[f.ID] = struct{}{}
	r.messages.Add(1)

	if wk.count%r.config.FlushEvery == 0 {
		return wk.w.Flush()
	}
	return nil
}

func (r *Recorder) checkSpace() error {
	free, err := r.freeSpace(r.config.Dir)
	if err != nil {
		return fmt.Errorf("free space check failure: %w", err)
	}
	if free < r.config.MinFreeBytes {
		return fmt.Errorf("%w: %d MB free", ErrInsufficientSpace, free/1024/1024)
	}
	return nil
}
