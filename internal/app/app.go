// Package app wires the workspace database, configuration and engine
// together for the CLI and the server.
package app

import (
	"database/sql"
	"fmt"
	"os"

	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/engine"
	"relay/internal/forge"
	"relay/internal/migrate"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares a workspace: database opened and migrated, config loaded
// (defaults when relay.yml is absent), evidence fetchers wired from the
// forge section. Callers own Close.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if cfg.Forge.BaseURL != "" {
		token := ""
		if cfg.Forge.TokenEnv != "" {
			token = os.Getenv(cfg.Forge.TokenEnv)
		}
		client := forge.New(cfg.Forge.BaseURL, token)
		eng.Evidence = engine.EvidenceSource{Reviews: client, Checks: client, Pulls: client}
	}
	return &App{DB: conn, Config: cfg, Engine: eng}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
