package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/remotedata"
	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/sym"
)

// RunCmd runs the engine in the foreground
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Run the automation engine",
	Long: sym.Pulse + ` Run the automation engine in the foreground.

Events are read from stdin, one JSON object per line:
  {"type": "app_init"}
  {"type": "screen", "name": "home"}
  {"type": "custom_event", "name": "purchase", "value": 9.99}

When remote.payload_dir is set, app and contact payload files in that
directory are applied on start and again whenever they change.

The engine stops on Ctrl+C, SIGTERM or end of input, flushing frequency
occurrences before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if dir, _ := cmd.Flags().GetString("payload-dir"); dir != "" {
			cfg.Remote.PayloadDir = dir
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		var events io.Reader
		if readStdin, _ := cmd.Flags().GetBool("stdin"); readStdin {
			events = cmd.InOrStdin()
		}
		return runEngine(ctx, cfg, events, logger.Logger)
	},
}

func init() {
	RunCmd.Flags().Bool("stdin", true, "Read events from stdin; with --stdin=false the engine runs until signalled")
	RunCmd.Flags().String("payload-dir", "", "Watch this directory for remote payloads (overrides remote.payload_dir)")
}

// runEngine starts the stack and feeds it events from r until ctx ends or r is exhausted.
// A nil r runs until ctx ends.
func runEngine(ctx context.Context, cfg *am.Config, r io.Reader, log *zap.SugaredLogger) error {
	st, err := openStack(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Errorw("Engine shutdown failed", logger.FieldError, err)
		}
	}()

	if err := st.engine.Start(ctx); err != nil {
		return err
	}

	if dir := cfg.Remote.PayloadDir; dir != "" {
		sub, err := st.subscriber()
		if err != nil {
			return err
		}
		watcher, err := remotedata.NewDirWatcher(dir, sub, cfg.Remote.Debounce(), log)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			_ = watcher.Stop()
			return errors.Wrap(err, "failed to apply remote payloads")
		}
		defer watcher.Stop()
	}

	done := make(chan error, 1)
	if r != nil {
		go func() { done <- feedEvents(ctx, r, st.engine, log) }()
	}

	select {
	case <-ctx.Done():
		log.Infow("Shutting down")
		return nil
	case err := <-done:
		log.Infow("Event input closed, shutting down")
		return err
	}
}

type eventSink interface {
	AddEvent(ev schedule.Event) error
}

// feedEvents decodes JSON-lines events from r into sink. Blank lines are skipped and a
// malformed line is logged without stopping the feed.
func feedEvents(ctx context.Context, r io.Reader, sink eventSink, log *zap.SugaredLogger) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		text := scanner.Bytes()
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		var ev schedule.Event
		if err := json.Unmarshal(text, &ev); err != nil {
			log.Warnw("Skipping malformed event", "line", line, logger.FieldError, err)
			continue
		}
		if ev.Type == "" {
			log.Warnw("Skipping event without type", "line", line)
			continue
		}
		if err := sink.AddEvent(ev); err != nil {
			return errors.Wrapf(err, "failed to add event on line %d", line)
		}
	}
	return errors.Wrap(scanner.Err(), "failed to read events")
}
