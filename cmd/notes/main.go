// notesサービスのエントリポイント。
// ユーザーごとのノートのCRUDとアーカイブを担当する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/notehub/internal/notes"
	"github.com/nao1215/notehub/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	logger, err := logging.FromEnv("notes")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := notes.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := notes.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("notesサーバーの初期化に失敗", zap.Error(err))
	}
	defer func() { _ = server.Close() }()

	logger.Info("notesサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(ctx); err != nil {
		logger.Error("notesサービスが異常終了しました", zap.Error(err))
		return
	}
	logger.Info("notesサービスを停止しました")
}
