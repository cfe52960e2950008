package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/audit"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/events"
	"github.com/smallbiznis/manuscript/internal/generation"
	"github.com/smallbiznis/manuscript/internal/idempotency"
	"github.com/smallbiznis/manuscript/internal/observability"
	"github.com/smallbiznis/manuscript/internal/order"
	"github.com/smallbiznis/manuscript/internal/scheduler"
	"github.com/smallbiznis/manuscript/internal/wallet"
	"github.com/smallbiznis/manuscript/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		audit.Module,
		events.Module,
		wallet.Module,
		generation.Module,
		order.Module,
		idempotency.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
