package cli

import (
	"context"
	"fmt"
	"log"

	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/projection"

	"github.com/caarlos0/env/v11"
)

// Settings is the sagactl environment.
type Settings struct {
	DatabaseURL       string `env:"DATABASE_URL,required,notEmpty"`
	ProjectionName    string `env:"PROJECTION_NAME" envDefault:"order_summaries"`
	ProjectionBatch   int    `env:"PROJECTION_BATCH_SIZE" envDefault:"500"`
	ProjectionWorkers int    `env:"PROJECTION_WORKERS" envDefault:"4"`
	Verbose           bool   `env:"SAGACTL_VERBOSE" envDefault:"false"`
}

// LoadSettings parses Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// PostgresOpener opens the Postgres stores the server writes to.
func PostgresOpener(s Settings) Opener {
	return func(ctx context.Context) (*Backend, error) {
		pg, err := ordersdb.Open(ctx, s.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logf := func(string, ...any) {}
		if s.Verbose {
			logf = log.Printf
		}
		engine, err := projection.NewEngine(pg.Events, pg.Summaries, pg.Tx, projection.Config{
			Name:      s.ProjectionName,
			BatchSize: s.ProjectionBatch,
			Workers:   s.ProjectionWorkers,
			Logf:      logf,
		})
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		return &Backend{
			Projection: engine,
			Sagas:      pg.Sagas,
			Outbox:     pg.Outbox,
			Parked:     pg.Inbox,
			Close:      pg.Close,
		}, nil
	}
}
