package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/display"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/remotedata"
	"github.com/teranos/automaton/sym"
)

// RemoteCmd groups remote data commands
var RemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: sym.Remote + " Apply and inspect remote payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var remoteApplyCmd = &cobra.Command{
	Use:   "apply [dir]",
	Short: "Reconcile the app and contact payload files in dir",
	Long: `Reconcile the payload files in dir (default: remote.payload_dir).

The directory holds at most one file per source: app.json, app.yaml or app.yml,
and likewise for contact. A source whose file is absent has its schedules
stopped. Payloads that are not newer than the last applied version are skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		dir := cfg.Remote.PayloadDir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			return errors.New("no payload directory given and remote.payload_dir is unset")
		}

		res, err := applyPayloadDir(cmd.Context(), cfg, dir)
		if err != nil {
			return err
		}
		return printApplyResult(cmd, res)
	},
}

var remoteLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Show the last applied payload version per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		st, err := openStack(cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer st.Close()

		states, err := remoteStates(cmd.Context(), remotedata.NewSQLStore(st.db))
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(cmd, states)
		}
		rows := make([][]string, 0, len(states))
		for _, s := range states {
			rows = append(rows, []string{
				string(s.Source),
				s.LastTimestamp.UTC().Format(time.RFC3339),
				s.Attribution,
				s.SDKVersion,
				strings.Join(s.ScheduleIDs, ", "),
			})
		}
		return display.Table(cmd, []string{"SOURCE", "TIMESTAMP", "ATTRIBUTION", "SDK", "SCHEDULES"}, rows, "No remote data applied")
	},
}

func init() {
	RemoteCmd.AddCommand(remoteApplyCmd)
	RemoteCmd.AddCommand(remoteLsCmd)
}

// applyPayloadDir loads the engine without starting it and reconciles dir once
func applyPayloadDir(ctx context.Context, cfg *am.Config, dir string) (*remotedata.Result, error) {
	payloads, err := remotedata.LoadDir(dir)
	if err != nil {
		return nil, err
	}

	st, err := openStack(cfg, logger.Logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := st.engine.Load(ctx); err != nil {
		return nil, err
	}
	sub, err := st.subscriber()
	if err != nil {
		return nil, err
	}
	return sub.Apply(ctx, payloads)
}

func remoteStates(ctx context.Context, store remotedata.StateStore) ([]remotedata.State, error) {
	var states []remotedata.State
	for _, src := range remotedata.Sources {
		s, err := store.Get(ctx, src)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, nil
}

func printApplyResult(cmd *cobra.Command, res *remotedata.Result) error {
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	if len(res.Processed) == 0 {
		fmt.Fprintln(out, "Remote data unchanged")
		return nil
	}
	fmt.Fprintf(out, "%s Applied %s\n", sym.Remote, joinSources(res.Processed))
	fmt.Fprintf(out, "  upserted: %d\n", res.Upserted)
	fmt.Fprintf(out, "  stopped:  %d\n", res.Stopped)
	if res.Gated > 0 {
		fmt.Fprintf(out, "  gated:    %d (require a newer SDK)\n", res.Gated)
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(out, "  unchanged: %s\n", joinSources(res.Skipped))
	}
	return nil
}

func joinSources(sources []remotedata.Source) string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
