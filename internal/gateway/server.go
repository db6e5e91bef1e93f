package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notehub/pkg/httpclient"
	"github.com/nao1215/notehub/pkg/httpserver"
	"github.com/nao1215/notehub/pkg/middleware"
	"github.com/nao1215/notehub/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// readinessTimeout はバックエンドのヘルスチェック1回あたりのタイムアウト。
const readinessTimeout = 2 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// logger はロガー。
	logger *zap.Logger
	// routes はルーティングテーブル。
	routes *Router
	// chains はルール名ごとのハンドラチェーン。
	chains map[string][]gin.HandlerFunc
	// verifier はアクセストークンの検証器。
	verifier *middleware.Verifier
	// dispatcher は上流サービスへの転送を行う。
	dispatcher *Dispatcher
	// counter はレート制限カウンターストア。
	counter ratelimit.Counter
	// globalLimiter は全トラフィック向けのレート制限器。
	globalLimiter *ratelimit.Limiter
	// authLimiter は認証エンドポイント向けのレート制限器。
	authLimiter *ratelimit.Limiter
	// backends はレディネスチェック対象のサービス。
	backends map[string]*httpclient.Client
	// registry はメトリクスのレジストリ。
	registry *prometheus.Registry
}

// options はNewServerの任意設定。
type options struct {
	counter ratelimit.Counter
	now     func() time.Time
}

// Option はNewServerの任意設定を変更する関数。
type Option func(*options)

// WithCounter はレート制限カウンターストアを設定する。
// 指定しない場合はConfig.RedisURLのRedisに接続する。
func WithCounter(counter ratelimit.Counter) Option {
	return func(o *options) { o.counter = counter }
}

// WithClock はトークン検証とレート制限に使う時刻関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.AccessTokenSecret == "" {
		return nil, fmt.Errorf("%w: access token secret", ErrMissingConfig)
	}

	routes, err := NewRouter(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("ルーティングテーブルの構築に失敗: %w", err)
	}

	if o.counter == nil {
		redisCounter, err := ratelimit.NewRedisCounterFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("Redisクライアントの生成に失敗: %w", err)
		}
		o.counter = redisCounter
	}

	registry := newRegistry()
	rlMetrics := ratelimit.NewMetrics(registry)
	limiterOpts := []ratelimit.Option{
		ratelimit.WithClock(o.now),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(rlMetrics),
	}
	globalLimiter, err := ratelimit.New(o.counter, cfg.GlobalPolicy, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("globalレート制限の初期化に失敗: %w", err)
	}
	authLimiter, err := ratelimit.New(o.counter, cfg.AuthPolicy, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("authレート制限の初期化に失敗: %w", err)
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}

	s := &Server{
		router:        router,
		port:          cfg.Port,
		logger:        logger,
		routes:        routes,
		verifier:      middleware.NewVerifier(cfg.AccessTokenSecret).WithClock(o.now),
		dispatcher:    NewDispatcher(cfg.UpstreamTimeout, middleware.NewIdentityPropagation(cfg.IdentityAssertionSecret), logger, NewMetrics(registry)),
		counter:       o.counter,
		globalLimiter: globalLimiter,
		authLimiter:   authLimiter,
		backends: map[string]*httpclient.Client{
			targetIdentity: httpclient.New(cfg.IdentityServiceURL.String(), readinessTimeout),
			targetNotes:    httpclient.New(cfg.NotesServiceURL.String(), readinessTimeout),
		},
		registry: registry,
	}

	// オリジン検査はレート制限より前に行い、拒否したリクエストはカウントしない
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins, logger))
	router.Use(middleware.RateLimit(globalLimiter, "Too many requests.", logger))
	router.Use(middleware.Logger(logger))

	s.buildChains()
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルにシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, fmt.Sprintf(":%s", s.port), s.router)
}

// Close はサーバーが保持する外部接続を閉じる。
func (s *Server) Close() error {
	if closer, ok := s.counter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// setupRoutes はGateway自身のエンドポイントと転送処理を設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/health/ready", s.handleReady())
	s.router.GET("/metrics", metricsHandler(s.registry))

	// それ以外のパスはルーティングテーブルで解決する
	s.router.NoRoute(s.handleRoute())
}

// buildChains はルールごとにJWT検証、ルート単位のレート制限、転送を並べたチェーンを構築する。
func (s *Server) buildChains() {
	s.chains = make(map[string][]gin.HandlerFunc)
	for _, rule := range s.routes.Rules() {
		var chain []gin.HandlerFunc
		if rule.RequireAuth {
			chain = append(chain, middleware.JWTAuth(s.verifier, s.logger))
		}
		if rule.Class == ratelimit.ClassAuth {
			chain = append(chain, middleware.RateLimit(s.authLimiter, "Too many auth requests.", s.logger))
		}
		r := rule
		chain = append(chain, func(c *gin.Context) { s.dispatcher.Dispatch(c, r) })
		s.chains[rule.Name] = chain
	}
}

// handleRoute はパスにマッチしたルールのチェーンを実行するハンドラを返す。
// チェーン中のミドルウェアが中断した場合、後続は実行しない。
func (s *Server) handleRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, ok := s.routes.Match(c.Request.URL.Path)
		if !ok || !isCleanPath(c.Request.URL.Path) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "Not found.",
			})
			return
		}

		// このハンドラはエンジンのチェーンの末尾にあるため、
		// 各ミドルウェアが呼ぶc.Next()は何もしない
		for _, h := range s.chains[rule.Name] {
			h(c)
			if c.IsAborted() {
				return
			}
		}
	}
}

// handleReady はカウンターストアと各バックエンドの状態を返すハンドラを返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		checks := make(gin.H, len(s.backends)+1)
		ready := true

		if pinger, ok := s.counter.(interface{ Ping(context.Context) error }); ok {
			checks["redis"] = "ok"
			if err := pinger.Ping(ctx); err != nil {
				s.logger.Warn("Redisのヘルスチェックに失敗", zap.Error(err))
				checks["redis"] = "unavailable"
				ready = false
			}
		}

		for name, client := range s.backends {
			checks[name] = "ok"
			if _, err := client.Health(ctx); err != nil {
				s.logger.Warn("バックエンドのヘルスチェックに失敗",
					zap.String("service", name),
					zap.String("url", client.BaseURL()),
					zap.Error(err),
				)
				checks[name] = "unavailable"
				ready = false
			}
		}

		status, code := "ok", http.StatusOK
		if !ready {
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "service": "gateway", "checks": checks})
	}
}

// isCleanPath はパスに "." や ".." のセグメント、連続したスラッシュが含まれないことを確認する。
// 末尾のスラッシュは許可する。
func isCleanPath(p string) bool {
	cleaned := path.Clean(p)
	if p != "/" && strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned == p
}
