// API Gatewayサービスのエントリポイント。
// オリジン検査、レート制限、JWT検証、リクエストルーティングを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/notehub/internal/gateway"
	"github.com/nao1215/notehub/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	logger, err := logging.FromEnv("gateway")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		logger.Fatal("設定の読み込みに失敗", zap.Error(err))
	}

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}
	defer func() { _ = server.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Gatewayサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(ctx); err != nil {
		logger.Error("Gatewayサービスが異常終了しました", zap.Error(err))
		return
	}
	logger.Info("Gatewayサービスを停止しました")
}
