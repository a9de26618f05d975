package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/display"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/sym"
)

// ConstraintsCmd groups frequency constraint commands
var ConstraintsCmd = &cobra.Command{
	Use:   "constraints",
	Short: sym.Limit + " Show frequency constraints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var constraintsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List constraints with their usage in the current window",
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

		usage, err := st.limits.Usage(cmd.Context())
		if err != nil {
			return err
		}
		return printUsage(cmd, usage)
	},
}

func init() {
	ConstraintsCmd.AddCommand(constraintsLsCmd)
}

type usageView struct {
	ID       string        `json:"id"`
	RangeSec int64         `json:"range"`
	Count    uint          `json:"count"`
	InWindow int           `json:"in_window"`
	Reached  bool          `json:"reached"`
	window   time.Duration
}

func printUsage(cmd *cobra.Command, usage []frequency.Usage) error {
	views := make([]usageView, 0, len(usage))
	for _, u := range usage {
		views = append(views, usageView{
			ID:       u.ID,
			RangeSec: int64(u.Range.Seconds()),
			Count:    u.Count,
			InWindow: u.InWindow,
			Reached:  u.InWindow >= int(u.Count),
			window:   u.Range,
		})
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd, views)
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		used := fmt.Sprintf("%d/%d", v.InWindow, v.Count)
		if v.Reached {
			used += " (reached)"
		}
		rows = append(rows, []string{v.ID, v.window.String(), used})
	}
	return display.Table(cmd, []string{"ID", "WINDOW", "USED"}, rows, "No frequency constraints")
}
