// Package app assembles the services of a workspace for the CLI and the
// HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"dealline/internal/config"
	"dealline/internal/db"
	"dealline/internal/engine"
	"dealline/internal/events"
	"dealline/internal/logging"
	"dealline/internal/migrate"
	"dealline/internal/repo"
)

// Services is everything a command needs from one workspace.
type Services struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
	Config *config.Config
	Log    zerolog.Logger
}

// Options override parts of the assembled services.
type Options struct {
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// LogLevel overrides log.level from dealline.yml when set.
	LogLevel string
}

// Open opens and migrates the workspace database, loads dealline.yml (the
// defaults when it is absent) and builds the engine on top of the SQLite
// record store.
func Open(ctx context.Context, workspace string, opts Options) (*Services, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	lc := logging.FromConfig(cfg)
	lc.Output = opts.LogOutput
	if opts.LogLevel != "" {
		lc.Level = opts.LogLevel
	}
	log := logging.New(lc)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	r := repo.Repo{DB: conn}
	e := engine.New(r, events.Writer{DB: conn}, log, engine.Options{DefaultSalaryTerms: cfg.SalaryTerms()})
	return &Services{DB: conn, Repo: r, Engine: e, Config: cfg, Log: log}, nil
}

func (s *Services) Close() error {
	return s.DB.Close()
}
