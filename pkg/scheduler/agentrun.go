package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/store"
)

var (
	// ErrTemplateHeld means another live process is already running an
	// agent of the same template and lock mode refused to start a second.
	ErrTemplateHeld = errors.New("an agent of this template is already running")
	// ErrProcessKillFailed means the prior agent's process survived a
	// kill. Starting a second writer would contend the template, so this
	// is fatal and blocks creation of the new session.
	ErrProcessKillFailed = errors.New("failed to kill prior agent process")
	// ErrRunTimeout means the wall-clock budget expired before the session
	// reached a terminal state.
	ErrRunTimeout = errors.New("agent run timed out")
)

// TakeoverMode decides what happens when another running session of the
// same template is found at start.
type TakeoverMode string

const (
	// TakeoverNone starts regardless of other running agents.
	TakeoverNone TakeoverMode = ""
	// TakeoverLock refuses to start while another agent of the template
	// is running.
	TakeoverLock TakeoverMode = "lock"
	// TakeoverKill kills the prior agent's process, verifies it died,
	// and fails its session before starting.
	TakeoverKill TakeoverMode = "kill"
)

// RunOptions configures a blocking agent run.
type RunOptions struct {
	// Spec seeds the new session; Spec.Template also keys the
	// same-template exclusion check.
	Spec   store.CreateSpec
	Prompt string
	Mode   TakeoverMode
	// Timeout is the wall-clock budget for the whole run. Zero falls back
	// to the template timeout in Spec; zero both ways means no limit.
	Timeout time.Duration
	// Poll is the wait between evaluation attempts when the session is
	// busy. Defaults to one second.
	Poll time.Duration
}

// RunResult reports the outcome of a blocking run.
type RunResult struct {
	RunID     string
	SessionID int64
	State     store.State
}

// Run forks a new session and drives it to a terminal state, blocking
// the caller. Before creating the session it applies the takeover mode
// against any other running session of the same template whose recorded
// process is still alive.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to generate run id: %w", err)
	}
	logger := s.logger.With().Str("run", runID).Str("template", opts.Spec.Template).Logger()

	if opts.Mode != TakeoverNone {
		if err := s.excludeRunning(opts.Spec.Template, opts.Mode, logger); err != nil {
			return RunResult{}, err
		}
	}

	id, err := s.store.Create(opts.Spec, opts.Prompt)
	if err != nil {
		return RunResult{}, err
	}
	logger = logger.With().Int64("session", id).Logger()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = opts.Spec.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	poll := opts.Poll
	if poll <= 0 {
		poll = time.Second
	}

	logger.Info().Dur("timeout", timeout).Msg("Agent run started")

	for {
		if ctx.Err() != nil {
			return s.abandon(id, runID, ctx.Err(), logger)
		}

		state, err := s.engine.Eval(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrSessionBusy):
			select {
			case <-ctx.Done():
				return s.abandon(id, runID, ctx.Err(), logger)
			case <-time.After(poll):
			}
			continue
		case ctx.Err() != nil:
			return s.abandon(id, runID, ctx.Err(), logger)
		default:
			return RunResult{RunID: runID, SessionID: id, State: store.StateFail}, err
		}

		if state == store.StateSuccess || state == store.StateFail {
			logger.Info().Str("state", string(state)).Msg("Agent run finished")
			return RunResult{RunID: runID, SessionID: id, State: state}, nil
		}
	}
}

// excludeRunning enforces single-agent-per-template. The scan is coarse:
// any running session of the template whose recorded pid is a live
// foreign process counts as the prior agent.
func (s *Scheduler) excludeRunning(tpl string, mode TakeoverMode, logger zerolog.Logger) error {
	running, err := s.store.List(store.Filter{States: []store.State{store.StateRunning}})
	if err != nil {
		return err
	}

	for _, sess := range running {
		if sess.Template != tpl || sess.PID == os.Getpid() || !processAlive(sess.PID) {
			continue
		}

		if mode == TakeoverLock {
			return fmt.Errorf("%w: session %d (pid %d)", ErrTemplateHeld, sess.ID, sess.PID)
		}

		logger.Warn().Int64("prior", sess.ID).Int("pid", sess.PID).Msg("Killing prior agent")
		if err := killAndVerify(sess.PID); err != nil {
			return err
		}
		if err := s.store.Kill(sess.ID); err != nil {
			logger.Error().Err(err).Int64("prior", sess.ID).Msg("Failed to fail prior session")
		}
	}
	return nil
}

// abandon marks a timed-out or cancelled run's session as failed.
func (s *Scheduler) abandon(id int64, runID string, cause error, logger zerolog.Logger) (RunResult, error) {
	logger.Error().Err(cause).Msg("Agent run aborted")
	if err := s.store.Kill(id); err != nil {
		logger.Error().Err(err).Msg("Failed to mark session failed")
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: session %d", ErrRunTimeout, id)
	}
	return RunResult{RunID: runID, SessionID: id, State: store.StateFail}, cause
}

// killAndVerify kills pid and confirms it is gone.
func killAndVerify(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w: pid %d: %v", ErrProcessKillFailed, pid, err)
	}
	for attempt := 0; attempt < 20; attempt++ {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: pid %d is still alive", ErrProcessKillFailed, pid)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
