package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notehub/pkg/middleware"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// hopByHopHeaders は転送してはならないコネクション単位のヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// 転送結果のメトリクスラベル。
const (
	outcomeOK          = "ok"
	outcomeTimeout     = "timeout"
	outcomeUnavailable = "unavailable"
	outcomeCircuitOpen = "circuit_open"
)

// Dispatcher はルールに従ってリクエストを上流サービスへ転送する。
type Dispatcher struct {
	// client は上流サービスへのHTTPクライアント。
	client *http.Client
	// timeout は1回の転送に許す時間。
	timeout time.Duration
	// asserter はバックエンドへID情報を付与する。
	asserter middleware.IdentityAsserter
	// breakers は転送先ホストごとのサーキットブレーカー。
	breakers sync.Map
	// logger はロガー。
	logger *zap.Logger
	// metrics は転送メトリクス。nilの場合は記録しない。
	metrics *Metrics
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(timeout time.Duration, asserter middleware.IdentityAsserter, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Dispatcher{
		client: &http.Client{
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		asserter: asserter,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch はリクエストを転送し、上流のステータス、ヘッダー、ボディをそのまま返す。
// 上流のタイムアウトや接続失敗は502と汎用メッセージに変換し、詳細はログにのみ残す。
func (d *Dispatcher) Dispatch(c *gin.Context, rule Rule) {
	target := rule.upstreamURL(c.Request.URL.Path, c.Request.URL.RawQuery)

	// クライアントの切断で上流へのリクエストも中断する
	ctx, cancel := context.WithTimeout(c.Request.Context(), d.timeout)
	defer cancel()

	req, err := d.newUpstreamRequest(ctx, c, rule, target)
	if err != nil {
		d.logger.Error("転送リクエストの作成に失敗",
			zap.String("route", rule.Name),
			zap.Error(err),
		)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Internal server error.",
		})
		return
	}

	start := time.Now()
	resp, err := d.roundTrip(rule.Target.Host, req)
	if err != nil {
		err = classifyUpstreamError(ctx, err)
		d.metrics.observeUpstream(rule.Name, outcomeOf(err), time.Since(start))
		d.logger.Warn("上流サービスへの転送に失敗",
			zap.String("route", rule.Name),
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Error(err),
		)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Upstream service unavailable.",
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()
	d.metrics.observeUpstream(rule.Name, outcomeOK, time.Since(start))

	header := c.Writer.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	removeHopByHop(header)
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// ヘッダー送信後のため、ログのみ残す
		d.logger.Warn("上流レスポンスの中継に失敗",
			zap.String("route", rule.Name),
			zap.Error(err),
		)
	}
}

// newUpstreamRequest は転送用のリクエストを組み立てる。
func (d *Dispatcher) newUpstreamRequest(ctx context.Context, c *gin.Context, rule Rule, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの生成に失敗: %w", err)
	}
	req.ContentLength = c.Request.ContentLength

	req.Header = c.Request.Header.Clone()
	removeHopByHop(req.Header)
	d.asserter.Strip(req.Header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", c.ClientIP())

	if rule.RequireAuth {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			return nil, fmt.Errorf("route %s: %w", rule.Name, middleware.ErrIdentityMissing)
		}
		if err := d.asserter.Assert(req, identity); err != nil {
			return nil, fmt.Errorf("ID情報の付与に失敗: %w", err)
		}
	}
	return req, nil
}

// roundTrip は転送先ホストのサーキットブレーカー越しにリクエストを送る。
// 上流が返したステータスコードは失敗として数えない。
func (d *Dispatcher) roundTrip(host string, req *http.Request) (*http.Response, error) {
	result, err := d.breaker(host).Execute(func() (interface{}, error) {
		return d.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// breaker は転送先ホストのサーキットブレーカーを返す。無ければ生成する。
func (d *Dispatcher) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := d.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// クライアント側の切断は上流の障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("サーキットブレーカーの状態が変化",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			d.metrics.observeBreaker(name, from.String(), to.String())
		},
	})
	actual, _ := d.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

// classifyUpstreamError は転送エラーをセンチネルエラーに分類する。
func classifyUpstreamError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
}

// outcomeOf は転送エラーをメトリクスラベルに変換する。
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return outcomeCircuitOpen
	case errors.Is(err, ErrUpstreamTimeout):
		return outcomeTimeout
	default:
		return outcomeUnavailable
	}
}

// removeHopByHop はホップ単位のヘッダーとConnectionヘッダーで指定されたヘッダーを除去する。
func removeHopByHop(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}
