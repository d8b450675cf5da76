// Package fsck runs the filesystem checker over the card partitions in the
// background.
//
// The task waits for the card, opens the MBR write window, checks every target
// partition in order (never two at once, the shim has a single descriptor
// slot) and closes the window again. Progress is published through State.
package fsck

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/fclairamb/go-log"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
	"github.com/OffBroadway/sdshim/pkg/logging"
	"github.com/OffBroadway/sdshim/pkg/shim"
)

const defaultPollInterval = 100 * time.Millisecond

var ErrAlreadyStarted = errors.New("fsck task already started")

// MBRWriteGuard is implemented by devices that protect the partition table.
type MBRWriteGuard interface {
	EnableMBRWrite()
	DisableMBRWrite()
}

// Target is a partition to check.
type Target struct {
	// Path is the shim path of the partition.
	Path string
	// Device replaces Path on the checker command line when set, e.g. the
	// host block device an external tool should open.
	Device string
}

// Config describes the checker task.
type Config struct {
	Checker Checker
	Targets []Target
	// Program and Args build the command line; see Argv.
	Program      string
	Args         []string
	PollInterval time.Duration
	Logger       log.Logger
}

// DefaultTargets checks sys, then dat.
func DefaultTargets() []Target {
	return []Target{{Path: shim.SysPath}, {Path: shim.DataPath}}
}

// Runner owns the background task.
type Runner struct {
	dev    blkdev.BlockDevice
	cfg    Config
	logger log.Logger
	state  *State

	started chan struct{}
	done    chan struct{}
}

// NewRunner prepares a task checking cfg.Targets on dev.
func NewRunner(dev blkdev.BlockDevice, cfg Config) *Runner {
	if cfg.Targets == nil {
		cfg.Targets = DefaultTargets()
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger := logging.Tag(cfg.Logger, "FSCK")
	if cfg.Checker == nil {
		cfg.Checker = &ExecChecker{Logger: logger}
	}

	paths := make([]string, len(cfg.Targets))
	for i, t := range cfg.Targets {
		paths[i] = t.Path
	}
	return &Runner{
		dev:     dev,
		cfg:     cfg,
		logger:  logger,
		state:   newState(paths),
		started: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Status returns the current state of the task.
func (r *Runner) Status() Status {
	return r.state.Snapshot()
}

// Start launches the task. It can only be called once.
func (r *Runner) Start(ctx context.Context) error {
	select {
	case r.started <- struct{}{}:
	default:
		return ErrAlreadyStarted
	}
	go r.task(ctx)
	return nil
}

// Wait blocks until the task has finished and returns the final state.
func (r *Runner) Wait() Status {
	<-r.done
	return r.Status()
}

// Done is closed when the task finishes.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run starts the task and waits for it.
func (r *Runner) Run(ctx context.Context) (Status, error) {
	if err := r.Start(ctx); err != nil {
		return r.Status(), err
	}
	st := r.Wait()
	return st, ctx.Err()
}

func (r *Runner) setOp(op Operation) {
	r.state.update(func(st *Status) { st.Operation = op })
}

func (r *Runner) task(ctx context.Context) {
	defer close(r.done)

	r.setOp(OpWaiting)
	if err := r.waitReady(ctx); err != nil {
		r.logger.Error("card never became ready", "error", err)
		r.setOp(OpIdle)
		return
	}
	r.state.update(func(st *Status) { st.DriveOK = true })

	if guard, ok := r.dev.(MBRWriteGuard); ok {
		guard.EnableMBRWrite()
		defer guard.DisableMBRWrite()
	}

	for _, t := range r.cfg.Targets {
		if ctx.Err() != nil {
			r.logger.Warn("check canceled", "remaining", t.Path)
			break
		}
		r.setOp(CheckingOperation(t.Path))

		results := make(chan Result, 1)
		go func(t Target) {
			results <- r.check(ctx, t)
		}(t)
		res := <-results

		r.state.update(func(st *Status) {
			st.Partitions[t.Path] = res.OK
			st.Results = append(st.Results, res)
		})
	}

	r.setOp(OpDone)
}

// waitReady initialises the card and polls its status until it answers.
func (r *Runner) waitReady(ctx context.Context) error {
	if err := r.dev.Initialize(); err != nil {
		r.logger.Warn("card initialisation failed", "error", err)
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := r.dev.Status(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) check(ctx context.Context, t Target) (res Result) {
	device := t.Device
	if device == "" {
		device = t.Path
	}
	argv := Argv(r.cfg.Program, r.cfg.Args, device)
	r.logger.Info("Run fsck on device", "device", device, "argv", argv)

	res.Path = t.Path
	start := time.Now()
	r.state.update(func(st *Status) { st.Checking = true })
	defer func() {
		if p := recover(); p != nil {
			res.Code = ExitOperational
			res.OK = false
			res.Error = fmt.Sprint("checker panicked: ", p)
			r.logger.Error("FSCK failed", "device", device, "panic", p)
		}
		res.Duration = time.Since(start)
		r.state.update(func(st *Status) { st.Checking = false })
	}()

	code, err := r.cfg.Checker.Check(ctx, argv)
	res.Code = code
	if err != nil {
		res.Error = err.Error()
	}

	switch {
	case err != nil:
		if code == ExitOK {
			res.Code = ExitOperational
		}
		r.logger.Error("FSCK failed", "device", device, "code", res.Code, "error", err)
	case code == ExitOK:
		res.OK = true
		r.logger.Info("FSCK success on device", "device", device)
	case code == ExitCorrected:
		res.OK = true
		r.logger.Info("FSCK successfully corrected errors on device", "device", device)
	default:
		r.logger.Error("FSCK failed", "device", device, "code", code, "error", err)
	}
	return res
}
