package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/store"
)

var pushCmd = &cobra.Command{
	Use:   "push <session-id> <prompt>",
	Short: "Append a user prompt and reopen the session",
	Args:  cobra.ExactArgs(2),
	RunE:  runPush,
}

var evalCmd = &cobra.Command{
	Use:   "eval <session-id>",
	Short: "Run one evaluation step for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

var killCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Force a session to the fail state",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var (
	listLabels    []string
	listNotLabels []string
	listStates    []string
)

func init() {
	listCmd.Flags().StringSliceVar(&listLabels, "labels", nil, "only sessions carrying these labels (comma-separated)")
	listCmd.Flags().StringSliceVar(&listNotLabels, "not-labels", nil, "exclude sessions carrying these labels (comma-separated)")
	listCmd.Flags().StringSliceVar(&listStates, "states", nil, "only sessions in these states (comma-separated)")

	rootCmd.AddCommand(pushCmd, evalCmd, killCmd, listCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	rt, lg, err := bootstrap()
	if err != nil {
		return err
	}
	defer lg.Close()
	defer rt.Close()

	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}
	return rt.Store.Push(id, args[1])
}

func runEval(cmd *cobra.Command, args []string) error {
	rt, lg, err := bootstrap()
	if err != nil {
		return err
	}
	defer lg.Close()
	defer rt.Close()

	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}

	state, err := rt.Engine.Eval(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), state)
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	rt, lg, err := bootstrap()
	if err != nil {
		return err
	}
	defer lg.Close()
	defer rt.Close()

	id, err := parseSessionID(args[0])
	if err != nil {
		return err
	}
	return rt.Store.Kill(id)
}

func runList(cmd *cobra.Command, args []string) error {
	rt, lg, err := bootstrap()
	if err != nil {
		return err
	}
	defer lg.Close()
	defer rt.Close()

	filter := store.Filter{
		Labels:    listLabels,
		NotLabels: listNotLabels,
	}
	for _, raw := range listStates {
		state, err := store.ParseState(raw)
		if err != nil {
			return err
		}
		filter.States = append(filter.States, state)
	}

	sessions, err := rt.Store.List(filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTEMPLATE\tMODEL\tTOKENS\tMESSAGES\tLABELS")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			sess.ID, sess.State, sess.Template, sess.Model,
			sess.Usage.TotalTokens, len(sess.Messages), joinLabels(sess.Labels))
	}
	return w.Flush()
}

func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return "-"
	}
	out := labels[0]
	for _, l := range labels[1:] {
		out += "," + l
	}
	return out
}
