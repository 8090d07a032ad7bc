package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/branchroom/server/pkg/config"
	"github.com/branchroom/server/pkg/contentfilter"
	"github.com/branchroom/server/pkg/convops"
	"github.com/branchroom/server/pkg/credit"
	"github.com/branchroom/server/pkg/generation"
	"github.com/branchroom/server/pkg/modelclient"
	"github.com/branchroom/server/pkg/pricing"
	"github.com/branchroom/server/pkg/promptcompose"
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/session"
	"github.com/branchroom/server/pkg/store/sqlitestore"
	"github.com/branchroom/server/pkg/transport"
	"github.com/branchroom/server/pkg/wire"
)

// App is every long-lived component cmd/branchroomd needs to run the
// server: the HTTP handler and the background heartbeat scheduler, plus the
// database handle Close releases.
type App struct {
	Transport *transport.Server
	Scheduler *session.Scheduler
	db        *dbutil.Database
}

// Close stops the heartbeat scheduler and releases the database handle.
func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.db.RawDB.Close()
}

// Build wires every package into a runnable App the way
// _examples/nstogner-operative/operative/cmd/operative/main.go wires its
// store/provider/sandbox/controller/server chain: open storage, build the
// domain services in dependency order, then the transport layer on top.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	raw, err := sql.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: opening database: %w", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: wrapping database: %w", err)
	}
	if err := sqlitestore.Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("bootstrap: migrating database: %w", err)
	}
	st := sqlitestore.New(db)

	priceEntries := make([]pricing.ModelPrice, 0, len(cfg.Pricing))
	capabilities := make(map[string]promptcompose.ModelCapabilities, len(cfg.Pricing))
	for _, p := range cfg.Pricing {
		priceEntries = append(priceEntries, pricing.ModelPrice{
			Model:            p.Model,
			Currency:         p.Currency,
			InputPerMillion:  p.InputPerMillion,
			OutputPerMillion: p.OutputPerMillion,
		})
		capabilities[p.Model] = promptcompose.ModelCapabilities{
			Provider:                p.Provider,
			SupportsPrefill:         p.SupportsPrefill,
			RequiresAgeVerification: p.RequiresAgeVerification,
		}
	}
	priceTable := pricing.NewStaticTable(priceEntries...)
	catalog := newStaticCatalog(capabilities)

	clients := map[string]modelclient.ModelClient{}
	if cfg.Providers.OpenAI.APIKey != "" {
		c := modelclient.NewOpenAIClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL)
		clients[c.Provider()] = c
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		c := modelclient.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL)
		clients[c.Provider()] = c
	}

	filter := contentfilter.NewKeywordFilter()
	gate := credit.NewGate(st)
	sessions := session.NewRegistry()

	// room.Registry's broadcast callback needs to reach sessions.Get, and
	// NewRegistry needs the callback before the *room.Registry it returns
	// exists, so the callback closes over a pointer set right after.
	var rooms *room.Registry
	rooms = room.NewRegistry(newBroadcastFunc(sessions, &rooms))

	gen := generation.NewCoordinator(st, rooms, priceTable, filter, clients, log)
	ops := convops.New(st, gate, filter, gen, rooms, catalog, log)

	auth := NewStoreAuthenticator(st)
	srv := transport.New(sessions, rooms, ops, st, auth, log)

	sched, err := session.NewScheduler(cfg.Heartbeat.Schedule, sessions, heartbeatProbe)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: building heartbeat scheduler: %w", err)
	}
	sched.Start()

	return &App{Transport: srv, Scheduler: sched, db: db}, nil
}

// heartbeatProbe sends the `pong`-paired liveness frame a session must
// answer with MarkAlive before the next sweep (spec §4.1); it reuses the
// `pong` outbound kind rather than inventing a server-initiated `ping`
// event, since the wire taxonomy already treats pong as "you are connected
// and the server has heard from you."
func heartbeatProbe(s *session.Session) {
	b, err := wire.Encode(wire.EventPong, map[string]any{})
	if err != nil {
		return
	}
	_ = s.Conn.Send(b)
}
