package migration

import (
	"context"
	"fmt"

	"github.com/smallbiznis/manuscript/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		return Apply(context.Background(), conn, cfg.DBType, log.Named("migration"))
	}),
)

// Apply migrates conn according to its dialect.
func Apply(ctx context.Context, conn *gorm.DB, dbType string, log *zap.Logger) error {
	switch dbType {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB, log)
	case "sqlite":
		log.Info("applying sqlite schema")
		return ApplySQLiteSchema(ctx, conn)
	default:
		return fmt.Errorf("migration: unsupported database type %q", dbType)
	}
}
