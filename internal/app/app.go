package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/directory"
	"taskline/internal/events"
	"taskline/internal/migrate"
	"taskline/internal/orchestrator"
	"taskline/internal/store"
)

// App wires the database, directory clients, orchestrator and dispatcher
// for a workspace. Close releases the database handle.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Outbox       *events.Outbox
	Dispatcher   *events.Dispatcher
	Log          *zap.Logger
}

// Open loads config from the workspace, opens the database, applies
// migrations and builds the service graph.
func Open(workspace string, log *zap.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWith(workspace, cfg, log)
}

// OpenWith is Open with an already loaded config.
func OpenWith(workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	projects := directory.NewProjectClient(cfg.Upstreams.ProjectURL, cfg.UpstreamTimeout())
	users := directory.NewUserClient(cfg.Upstreams.UserURL, cfg.UpstreamTimeout())

	orc := orchestrator.New(conn, projects, users, log)
	outbox := &events.Outbox{DB: conn}
	disp := &events.Dispatcher{
		Outbox: *outbox,
		Publishers: map[events.Topic]events.Publisher{
			events.TopicLifecycle: events.NewWebhookPublisher(cfg.Streams.Lifecycle.URL, cfg.Streams.Lifecycle.Secret, cfg.Streams.Lifecycle.Timeout()),
			events.TopicCalendar:  events.NewWebhookPublisher(cfg.Streams.Calendar.URL, cfg.Streams.Calendar.Secret, cfg.Streams.Calendar.Timeout()),
		},
		Interval: cfg.DispatchInterval(),
		Batch:    cfg.Streams.Batch,
		Log:      log.Named("dispatch"),
	}

	return &App{
		Config:       cfg,
		DB:           conn,
		Store:        &store.Store{DB: conn},
		Orchestrator: orc,
		Outbox:       outbox,
		Dispatcher:   disp,
		Log:          log,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
