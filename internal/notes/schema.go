package notes

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/notehub/pkg/migration"
	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// initSchema はSQLiteデータベースにマイグレーションを適用する。
func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrations, "migrations", logger)
}
