package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/runtime"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/store"
)

var agentCmd = &cobra.Command{
	Use:   "agent @<template> [prompt]",
	Short: "Fork a session from a template and drive it to completion, blocking",
	Long: `Forks a fresh session from the named agent template, seeds it with the
prompt, and evaluates it until it reaches a terminal state. With --lock
the run refuses to start while another live process is running an agent
of the same template; with --kill that process is killed first.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAgent,
}

var forkCmd = &cobra.Command{
	Use:   "fork <session-id|template> [prompt]",
	Short: "Fork a new session from an existing session or a template",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runFork,
}

var (
	agentLabels      []string
	agentTimeout     time.Duration
	agentLock        bool
	agentKill        bool
	agentInteractive bool
	forkLabels       []string
)

func init() {
	agentCmd.Flags().StringSliceVar(&agentLabels, "label", nil, "label to attach (repeatable)")
	agentCmd.Flags().DurationVar(&agentTimeout, "timeout", 0, "wall-clock budget (default: template timeout)")
	agentCmd.Flags().BoolVar(&agentLock, "lock", false, "refuse to start while another agent of this template is running")
	agentCmd.Flags().BoolVar(&agentKill, "kill", false, "kill a running agent of this template before starting")
	agentCmd.Flags().BoolVar(&agentInteractive, "interactive", false, "prompt on the terminal for tool approvals")
	forkCmd.Flags().StringSliceVar(&forkLabels, "label", nil, "extra label for the fork (repeatable)")

	rootCmd.AddCommand(agentCmd, forkCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	if agentLock && agentKill {
		return fmt.Errorf("--lock and --kill are mutually exclusive")
	}

	// A blocking run is unattended unless the operator explicitly asks to
	// sit at the terminal for approvals.
	rt, lg, err := bootstrapOpts(runtime.Options{Unattended: !agentInteractive})
	if err != nil {
		return err
	}
	defer lg.Close()
	defer rt.Close()

	tpl, err := rt.Templates.Load(templateName(args[0]))
	if err != nil {
		return err
	}
	prompt := ""
	if len(args) > 1 {
		prompt = args[1]
	}

	mode := scheduler.TakeoverNone
	switch {
	case agentLock:
		mode = scheduler.TakeoverLock
	case agentKill:
		mode = scheduler.TakeoverKill
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:  rt.Store,
		Engine: rt.Engine,
		Logger: rt.Logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := sched.Run(ctx, scheduler.RunOptions{
		Spec: store.CreateSpec{
			Template:     tpl.Name,
			SystemPrompt: tpl.SystemPrompt,
			Model:        tpl.Model,
			Provider:     tpl.Provider,
			Labels:       append(append([]string{}, tpl.Labels...), agentLabels...),
			Timeout:      tpl.Timeout(),
		},
		Prompt:  prompt,
		Mode:    mode,
		Timeout: agentTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %d finished: %s (run %s)\n", result.SessionID, result.State, result.RunID)
	return nil
}

// runFork forks from a session when the argument is numeric, otherwise
// treats it as a template name and seeds a fresh session.
func runFork(cmd *cobra.Command, args []string) error {
	rt, lg, err := bootstrap()
	if err != nil {
		return err
	}
	defer lg.Close()
	defer rt.Close()

	prompt := ""
	if len(args) > 1 {
		prompt = args[1]
	}

	if sourceID, perr := parseSessionID(args[0]); perr == nil {
		id, err := rt.Store.Fork(sourceID, prompt, forkLabels)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}

	tpl, err := rt.Templates.Load(templateName(args[0]))
	if err != nil {
		return err
	}
	id, err := rt.Store.Create(store.CreateSpec{
		Template:     tpl.Name,
		SystemPrompt: tpl.SystemPrompt,
		Model:        tpl.Model,
		Provider:     tpl.Provider,
		Labels:       append(append([]string{}, tpl.Labels...), forkLabels...),
		Timeout:      tpl.Timeout(),
	}, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func templateName(raw string) string {
	return strings.TrimPrefix(raw, "@")
}

func parseSessionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}
