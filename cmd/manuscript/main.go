package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/audit"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/events"
	"github.com/smallbiznis/manuscript/internal/generation"
	"github.com/smallbiznis/manuscript/internal/migration"
	"github.com/smallbiznis/manuscript/internal/observability"
	"github.com/smallbiznis/manuscript/internal/order"
	"github.com/smallbiznis/manuscript/internal/scheduler"
	"github.com/smallbiznis/manuscript/internal/server"
	"github.com/smallbiznis/manuscript/internal/wallet"
	"github.com/smallbiznis/manuscript/pkg/db"
	"go.uber.org/fx"
)

// manuscript runs the API, the generation worker and the scheduler in one
// process, applying migrations on start.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Functional Domains
		audit.Module,
		events.Module,
		wallet.Module,
		generation.Module,
		order.Module,

		server.Module,
		generation.WorkerModule,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
