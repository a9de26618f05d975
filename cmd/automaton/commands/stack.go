package commands

import (
	"database/sql"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/automation"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/remotedata"
	"github.com/teranos/automaton/pulse/schedule"
)

// stack is the wired set of stores and managers behind every command
type stack struct {
	cfg    *am.Config
	db     *sql.DB
	store  *schedule.SQLStore
	limits *frequency.Manager
	cache  *assets.Manager
	engine *automation.Engine
	log    *zap.SugaredLogger
}

func openStack(cfg *am.Config, log *zap.SugaredLogger, opts ...automation.Option) (*stack, error) {
	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, err
	}

	assetsDir := cfg.GetAssetsDir()
	cache := assets.NewManager(
		assets.NewDirFileManager(assetsDir),
		assets.NewGetterDownloader(filepath.Join(assetsDir, ".downloads")),
		log,
		assets.WithRateLimit(cfg.Assets.DownloadsPerSecond, cfg.Assets.DownloadBurst),
	)

	s := &stack{
		cfg:    cfg,
		db:     database,
		store:  schedule.NewSQLStore(database),
		limits: frequency.NewManager(frequency.NewSQLStore(database), log),
		cache:  cache,
		log:    log,
	}

	preparer := automation.NewMessagePreparer(cache)
	console := newConsoleFactory(log)
	preparer.Register(schedule.DataMessage, console)
	preparer.Register(schedule.DataActions, console)

	opts = append([]automation.Option{
		automation.WithConfig(cfg.Engine),
		automation.WithAnalytics(automation.NewLogAnalytics(log)),
	}, opts...)
	s.engine = automation.New(s.store, s.limits, cache, preparer, log, opts...)
	return s, nil
}

// Close stops the engine, flushing pending occurrences, then closes the database
func (s *stack) Close() error {
	engineErr := s.engine.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return engineErr
}

// subscriber builds a remote data subscriber over the stack's engine. The engine must be
// loaded or started so unchanged definitions are recognised.
func (s *stack) subscriber() (*remotedata.Subscriber, error) {
	sub, err := remotedata.NewSubscriber(s.engine, s.limits, remotedata.NewSQLStore(s.db), s.cfg.Remote.SDKVersion, s.log)
	if err != nil {
		return nil, errors.Wrap(err, "invalid remote.sdk_version")
	}
	return sub, nil
}
