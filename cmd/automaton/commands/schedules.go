package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/display"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/schedule"
)

// SchedulesCmd groups schedule inspection commands
var SchedulesCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"sc"},
	Short:   "Inspect and stop stored schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var schedulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored schedules and their execution state",
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

		records, err := st.store.GetSchedules(cmd.Context())
		if err != nil {
			return err
		}
		return printSchedules(cmd, records)
	},
}

var schedulesStopCmd = &cobra.Command{
	Use:   "stop <id>...",
	Short: "Stop schedules, cancelling any in-flight display",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		return stopSchedules(cmd.Context(), cfg, args, cmd)
	},
}

func init() {
	SchedulesCmd.AddCommand(schedulesLsCmd)
	SchedulesCmd.AddCommand(schedulesStopCmd)
}

func stopSchedules(ctx context.Context, cfg *am.Config, ids []string, cmd *cobra.Command) error {
	st, err := openStack(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.engine.Load(ctx); err != nil {
		return err
	}
	var known []string
	for _, id := range ids {
		if _, ok := st.engine.Get(id); !ok {
			fmt.Fprintf(cmd.ErrOrStderr(), "unknown schedule %s\n", id)
			continue
		}
		known = append(known, id)
	}
	if err := st.engine.Stop(ctx, known); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d schedule(s)\n", len(known))
	return nil
}

type scheduleView struct {
	ID       string         `json:"id"`
	Group    string         `json:"group,omitempty"`
	Priority int            `json:"priority"`
	Type     string         `json:"type"`
	State    schedule.State `json:"state"`
	Count    int            `json:"count"`
	Limit    int            `json:"limit"`
	End      *time.Time     `json:"end,omitempty"`
	Changed  time.Time      `json:"state_changed"`
}

func printSchedules(cmd *cobra.Command, records []schedule.Record) error {
	views := make([]scheduleView, 0, len(records))
	for _, r := range records {
		views = append(views, scheduleView{
			ID:       r.Schedule.ID,
			Group:    r.Schedule.Group,
			Priority: r.Schedule.Priority,
			Type:     string(r.Schedule.Data.Type),
			State:    r.State.State,
			Count:    r.State.Count,
			Limit:    r.Schedule.Limit,
			End:      r.Schedule.End,
			Changed:  r.State.StateChanged,
		})
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd, views)
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		limit := "∞"
		if v.Limit > 0 {
			limit = strconv.Itoa(v.Limit)
		}
		rows = append(rows, []string{
			v.ID,
			v.Group,
			strconv.Itoa(v.Priority),
			v.Type,
			string(v.State),
			fmt.Sprintf("%d/%s", v.Count, limit),
			v.Changed.Local().Format(time.DateTime),
		})
	}
	return display.Table(cmd, []string{"ID", "GROUP", "PRIORITY", "TYPE", "STATE", "RUNS", "CHANGED"}, rows, "No schedules stored")
}
