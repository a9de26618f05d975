package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/automation"
	"github.com/teranos/automaton/pulse/display"
	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/pulse/signal"
)

// consoleFactory renders messages and actions to the terminal
type consoleFactory struct {
	out io.Writer
	log *zap.SugaredLogger
}

func newConsoleFactory(log *zap.SugaredLogger) *consoleFactory {
	return &consoleFactory{out: os.Stdout, log: log.Named("console")}
}

func (f *consoleFactory) Adapter(s *schedule.Schedule, cached *assets.Assets) (automation.DisplayAdapter, error) {
	if s.Data.Type == schedule.DataMessage && s.Data.Message == nil {
		return nil, errors.Mark(errors.Newf("schedule %s has an empty message payload", s.ID), automation.ErrInvalid)
	}
	return &consoleAdapter{out: f.out, schedule: s, assets: cached, log: f.log}, nil
}

type consoleAdapter struct {
	out      io.Writer
	schedule *schedule.Schedule
	assets   *assets.Assets
	log      *zap.SugaredLogger
}

func (a *consoleAdapter) Ready() signal.Source { return signal.Always(true) }

func (a *consoleAdapter) Display(ctx context.Context, h *display.Handle, _ automation.Analytics) (display.Result, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var body strings.Builder
	switch a.schedule.Data.Type {
	case schedule.DataMessage:
		m := a.schedule.Data.Message
		fmt.Fprintf(&body, "%s message", m.DisplayType)
		if m.Name != "" {
			fmt.Fprintf(&body, " %q", m.Name)
		}
		if len(m.Content) > 0 {
			fmt.Fprintf(&body, "\n%s", m.Content)
		}
		for _, u := range m.Media {
			path, _ := a.assets.CacheURL(u)
			size := a.assets.MediaSize(u)
			fmt.Fprintf(&body, "\nmedia %s (%dx%d)", path, size.Width, size.Height)
		}
	case schedule.DataActions:
		fmt.Fprintf(&body, "actions %s", a.schedule.Data.Actions)
	}

	fmt.Fprintln(a.out, pterm.DefaultBox.WithTitle(a.schedule.ID).Sprint(body.String()))
	a.log.Debugw("Displayed", logger.FieldScheduleID, a.schedule.ID, logger.FieldToken, h.Token)
	return display.ResultFinished, nil
}
