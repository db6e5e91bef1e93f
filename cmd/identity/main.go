// identityサービスのエントリポイント。
// ユーザー登録、ログイン、トークンの発行と更新、パスワードリセットを担当する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/notehub/internal/identity"
	"github.com/nao1215/notehub/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	logger, err := logging.FromEnv("identity")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := identity.LoadConfig()
	if err != nil {
		logger.Fatal("設定の読み込みに失敗", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := identity.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("identityサーバーの初期化に失敗", zap.Error(err))
	}
	defer func() { _ = server.Close() }()

	logger.Info("identityサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(ctx); err != nil {
		logger.Error("identityサービスが異常終了しました", zap.Error(err))
		return
	}
	logger.Info("identityサービスを停止しました")
}
