package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/task"
)

// DefaultMaxRepeats bounds how often a step is retaken when its check fails
const DefaultMaxRepeats = 10

// Parameters names the scanned adjustables
type Parameters struct {
	Names []string `json:"name"`
	IDs   []string `json:"Id"`
}

// StepInfo describes one completed step
type StepInfo struct {
	Step      int       `json:"step"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Repeats   int       `json:"repeats"`
	Values    []float64 `json:"values"`
	Readbacks []float64 `json:"readbacks"`
	Files     []string  `json:"files"`
}

// Info is the record of a scan written next to its data
type Info struct {
	ID         string      `json:"scan_id"`
	Name       string      `json:"scan_name"`
	Parameters Parameters  `json:"scan_parameters"`
	Values     [][]float64 `json:"scan_values"`
	Readbacks  [][]float64 `json:"scan_readbacks"`
	Files      [][]string  `json:"scan_files"`
	StepInfo   []StepInfo  `json:"scan_step_info"`
}

// Setup holds the parts of a scan which do not depend on what is scanned
type Setup struct {
	// Name is the file name stem of the scan
	Name string

	// BasePath is the folder data and the scan info are written to
	BasePath string

	// Counters are acquired at every step, concurrently
	Counters []Counter

	// NPulses is the number of pulses recorded per step
	NPulses int

	// ReturnAtEnd moves the adjustables back to where they were before the
	// scan, whether it completed or not
	ReturnAtEnd bool

	// Checker, when set, validates every step.  Failing steps are retaken
	Checker Checker

	// MaxRepeats bounds retakes of a step, DefaultMaxRepeats if zero
	MaxRepeats int

	// OnStart is called before the first step; an error aborts the scan
	OnStart func(*Scan) error

	// OnStep is called after every completed step
	OnStep func(*Scan, StepInfo)

	// OnEnd is called when Run finishes, with its error
	OnEnd func(*Scan, error)

	// Logger is the logger, slog.Default() if nil
	Logger *slog.Logger
}

// Scan steps a set of adjustables through a table of values and calls the
// counters at each step
type Scan struct {
	Setup

	ID          string
	Adjustables []adjustable.Adjustable
	Values      [][]float64

	mu       sync.Mutex
	nextStep int
	initial  []float64
	info     Info
	status   task.Status
	err      error
	stopped  bool
	inflight []*task.Task
	started  bool
	launched bool
}

// New returns a scan of adjs through values, one row per step
func New(setup Setup, adjs []adjustable.Adjustable, values [][]float64) (*Scan, error) {
	if len(values) == 0 {
		return nil, ErrNoSteps
	}
	for i, row := range values {
		if len(row) != len(adjs) {
			return nil, fmt.Errorf("%w: step %d has %d values for %d adjustables", ErrDimension, i, len(row), len(adjs))
		}
	}
	if setup.Logger == nil {
		setup.Logger = slog.Default()
	}
	if setup.MaxRepeats <= 0 {
		setup.MaxRepeats = DefaultMaxRepeats
	}
	if setup.NPulses <= 0 {
		setup.NPulses = 1
	}
	id := uuid.NewString()
	names := make([]string, len(adjs))
	for i, a := range adjs {
		names[i] = a.Name()
	}
	s := &Scan{
		Setup:       setup,
		ID:          id,
		Adjustables: adjs,
		Values:      values,
		info: Info{
			ID:         id,
			Name:       setup.Name,
			Parameters: Parameters{Names: names, IDs: names},
		},
	}
	s.Logger = s.Logger.With("scan", setup.Name, "scan_id", id)
	return s, nil
}

// InfoPath is where the scan info is written
func (s *Scan) InfoPath() string {
	return filepath.Join(s.BasePath, s.Name+"_scan_info.json")
}

// FileName is the name stem counters are given at step n
func (s *Scan) FileName(step int) string {
	return filepath.Join(s.BasePath, fmt.Sprintf("%s_step%04d", s.Name, step))
}

// Info returns a copy of the scan record so far
func (s *Scan) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.info
	out.Values = append([][]float64(nil), s.info.Values...)
	out.Readbacks = append([][]float64(nil), s.info.Readbacks...)
	out.Files = append([][]string(nil), s.info.Files...)
	out.StepInfo = append([]StepInfo(nil), s.info.StepInfo...)
	return out
}

// Progress returns the number of completed steps and the total
func (s *Scan) Progress() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStep, len(s.Values)
}

// Status returns the lifecycle state of the scan
func (s *Scan) Status() task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error the scan finished with
func (s *Scan) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// track registers in-flight tasks so Stop can reach them.  It returns false
// if the scan has been stopped, in which case the caller must not proceed
func (s *Scan) track(ts ...*task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight = append(s.inflight, ts...)
	return true
}

func (s *Scan) untrack() {
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
}

func (s *Scan) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop halts the scan: moves and acquisitions in flight are stopped and no
// further step is begun
func (s *Scan) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ts := s.inflight
	s.inflight = nil
	s.mu.Unlock()
	return task.StopAll(ts...)
}

func (s *Scan) begin(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.status = task.Running
	s.mu.Unlock()

	if s.ReturnAtEnd {
		init, err := adjustable.GetAll(ctx, s.Adjustables)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.initial = init
		s.mu.Unlock()
	}
	if err := os.MkdirAll(s.BasePath, 0o777); err != nil {
		return err
	}
	if s.OnStart != nil {
		if err := s.OnStart(s); err != nil {
			return fmt.Errorf("scan start callback: %w", err)
		}
	}
	s.Logger.Info("scan started", "steps", len(s.Values), "adjustables", s.info.Parameters.Names)
	return nil
}

// DoNextStep moves to the next point, acquires with every counter and records
// the step.  It returns whether steps remain
func (s *Scan) DoNextStep(ctx context.Context) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	step := s.nextStep
	s.mu.Unlock()
	if step >= len(s.Values) {
		return false, nil
	}
	if s.isStopped() {
		return false, task.ErrStopped
	}

	start := time.Now()
	values := s.Values[step]
	move := adjustable.NewGroup(s.Adjustables...).Set(ctx, values)
	if !s.track(move) {
		move.Stop()
		return false, task.ErrStopped
	}
	err := move.Wait(ctx)
	s.untrack()
	if err != nil {
		if ctx.Err() != nil {
			move.Stop()
		}
		return false, fmt.Errorf("step %d move: %w", step, err)
	}
	readbacks, err := adjustable.GetAll(ctx, s.Adjustables)
	if err != nil {
		return false, fmt.Errorf("step %d readback: %w", step, err)
	}

	var files []string
	repeats := 0
	for {
		files, err = s.acquire(ctx, step)
		if err != nil {
			return false, err
		}
		ok, err := s.check(ctx)
		if err != nil {
			return false, fmt.Errorf("step %d check: %w", step, err)
		}
		if ok {
			break
		}
		repeats++
		if repeats > s.MaxRepeats {
			return false, fmt.Errorf("step %d: %w (%d repeats)", step, ErrCheckFailed, s.MaxRepeats)
		}
		s.Logger.Warn("step failed check, repeating", "step", step, "repeat", repeats)
	}

	si := StepInfo{
		Step:      step,
		Start:     start,
		End:       time.Now(),
		Repeats:   repeats,
		Values:    values,
		Readbacks: readbacks,
		Files:     files,
	}
	s.mu.Lock()
	s.info.Values = append(s.info.Values, values)
	s.info.Readbacks = append(s.info.Readbacks, readbacks)
	s.info.Files = append(s.info.Files, files)
	s.info.StepInfo = append(s.info.StepInfo, si)
	s.nextStep++
	remaining := s.nextStep < len(s.Values)
	s.mu.Unlock()

	if err = s.writeInfo(); err != nil {
		return remaining, fmt.Errorf("writing scan info: %w", err)
	}
	s.Logger.Info("step done", "step", step, "of", len(s.Values), "readbacks", readbacks, "elapsed", si.End.Sub(start))
	if s.OnStep != nil {
		s.OnStep(s, si)
	}
	return remaining, nil
}

func (s *Scan) acquire(ctx context.Context, step int) ([]string, error) {
	if c, ok := s.Checker.(Clearer); ok {
		if err := c.Clear(ctx); err != nil {
			return nil, fmt.Errorf("step %d clearing checker: %w", step, err)
		}
	}
	fn := s.FileName(step)
	acqs := make([]*Acquisition, 0, len(s.Counters))
	for _, c := range s.Counters {
		acq, err := c.Acquire(ctx, fn, s.NPulses)
		if err != nil {
			for _, a := range acqs {
				a.Stop()
			}
			return nil, fmt.Errorf("step %d starting %s: %w", step, c.Name(), err)
		}
		acqs = append(acqs, acq)
		if !s.track(acq.Task) {
			for _, a := range acqs {
				a.Stop()
			}
			return nil, task.ErrStopped
		}
	}
	files, err := WaitAll(ctx, acqs)
	s.untrack()
	if err != nil {
		return nil, fmt.Errorf("step %d acquisition: %w", step, err)
	}
	return files, nil
}

func (s *Scan) check(ctx context.Context) (bool, error) {
	if s.Checker == nil {
		return true, nil
	}
	return s.Checker.Check(ctx)
}

func (s *Scan) writeInfo() error {
	info := s.Info()
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fn := s.InfoPath()
	tmp := fn + ".tmp"
	if err = os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fn)
}

// Run performs every remaining step.  When ReturnAtEnd is set the adjustables
// are moved back to their starting values afterwards, also after a failure
// or a stop
func (s *Scan) Run(ctx context.Context) error {
	var err error
	for {
		var more bool
		more, err = s.DoNextStep(ctx)
		if err != nil || !more {
			break
		}
	}
	if rerr := s.returnToStart(ctx); rerr != nil {
		s.Logger.Error("return to start failed", "err", rerr)
		if err == nil {
			err = rerr
		}
	}
	s.finish(err)
	if s.OnEnd != nil {
		s.OnEnd(s, err)
	}
	return err
}

func (s *Scan) returnToStart(ctx context.Context) error {
	s.mu.Lock()
	init := s.initial
	s.mu.Unlock()
	if !s.ReturnAtEnd || init == nil {
		return nil
	}
	// runs even when ctx was cancelled to stop the scan
	ctx = context.WithoutCancel(ctx)
	s.Logger.Info("returning to start", "values", init)
	return adjustable.NewGroup(s.Adjustables...).Set(ctx, init).Wait(ctx)
}

func (s *Scan) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		s.status = task.Stopped
		s.err = task.ErrStopped
	case err != nil:
		s.status = task.Failed
		s.err = err
	default:
		s.status = task.Done
	}
	s.Logger.Info("scan finished", "status", s.status.String(), "steps", s.nextStep, "err", err)
}

// Start runs the scan in the background.  Stopping the task stops the scan.
// A scan can only be started once
func (s *Scan) Start(ctx context.Context) *task.Task {
	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		return task.Completed(ErrBusy)
	}
	s.launched = true
	s.mu.Unlock()
	return task.Start(ctx, s.Run, s.Stop)
}
