package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrStoreUnavailable はカウンターストアが利用できず、fail-closedポリシーにより拒否したことを表す。
var ErrStoreUnavailable = errors.New("rate limit counter store unavailable")

// defaultKeyPrefix はカウンターキーの既定の接頭辞。
const defaultKeyPrefix = "ratelimit:"

// ルートクラス。
const (
	// ClassGlobal は全トラフィックに適用するクラス。
	ClassGlobal = "global"
	// ClassAuth は認証エンドポイントに適用するクラス。
	ClassAuth = "auth"
)

// Policy はルートクラスごとのレート制限ポリシー。
type Policy struct {
	// Class はルートクラス名。カウンターキーに含まれる。
	Class string `yaml:"class"`
	// Window は固定ウィンドウの長さ。
	Window time.Duration `yaml:"window"`
	// Max はウィンドウ内で許可する最大リクエスト数。
	Max int64 `yaml:"max"`
	// FailOpen はカウンターストア障害時に許可（true）するか拒否（false）するか。
	FailOpen bool `yaml:"failOpen"`
}

// GlobalPolicy は全トラフィック向けの既定ポリシー（15分で100リクエスト、fail-open）。
func GlobalPolicy() Policy {
	return Policy{Class: ClassGlobal, Window: 15 * time.Minute, Max: 100, FailOpen: true}
}

// AuthPolicy は認証エンドポイント向けの既定ポリシー（5分で20リクエスト、fail-closed）。
func AuthPolicy() Policy {
	return Policy{Class: ClassAuth, Window: 5 * time.Minute, Max: 20, FailOpen: false}
}

// validate はポリシーの妥当性を検証する。
func (p Policy) validate() error {
	if p.Class == "" {
		return errors.New("policy class is required")
	}
	// ウィンドウ番号はミリ秒単位で計算する
	if p.Window < time.Millisecond || p.Window%time.Millisecond != 0 {
		return fmt.Errorf("policy %s: window must be a positive whole number of milliseconds, got %s", p.Class, p.Window)
	}
	if p.Max <= 0 {
		return fmt.Errorf("policy %s: max must be positive", p.Class)
	}
	return nil
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Limit はウィンドウ内の最大リクエスト数。
	Limit int64
	// Remaining は現在のウィンドウで残っているリクエスト数。
	Remaining int64
	// ResetAt は現在のウィンドウが終わる時刻。
	ResetAt time.Time
	// ResetAfter は現在のウィンドウが終わるまでの時間。
	ResetAfter time.Duration
	// RetryAfter は拒否時に再試行までに待つべき時間。
	RetryAfter time.Duration
	// Degraded はカウンターストア障害によりfail-openで許可したことを表す。
	Degraded bool
}

// Limiter は1つのポリシーを適用する固定ウィンドウのレート制限器。
// 状態はすべてCounterが保持し、Limiter自身は不変で並行に使用できる。
type Limiter struct {
	// counter は共有カウンターストア。
	counter Counter
	// policy は適用するポリシー。
	policy Policy
	// prefix はカウンターキーの接頭辞。
	prefix string
	// now は現在時刻を返す関数。
	now func() time.Time
	// logger はロガー。
	logger *zap.Logger
	// metrics はPrometheusメトリクス。nilの場合は記録しない。
	metrics *Metrics
}

// Option はLimiterの設定を変更する関数。
type Option func(*Limiter)

// WithClock は時刻関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithKeyPrefix はカウンターキーの接頭辞を設定する。
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New は新しいLimiterを生成する。
func New(counter Counter, policy Policy, opts ...Option) (*Limiter, error) {
	if counter == nil {
		return nil, errors.New("counter is required")
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		counter: counter,
		policy:  policy,
		prefix:  defaultKeyPrefix,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy は適用中のポリシーを返す。
func (l *Limiter) Policy() Policy {
	return l.policy
}

// window は時刻tが属するウィンドウの番号と終了時刻を返す。
func (l *Limiter) window(t time.Time) (int64, time.Time) {
	size := l.policy.Window.Milliseconds()
	index := t.UnixMilli() / size
	return index, time.UnixMilli((index + 1) * size)
}

// counterKey はクライアントキーとウィンドウ番号からカウンターキーを組み立てる。
func (l *Limiter) counterKey(key string, index int64) string {
	return fmt.Sprintf("%s%s:%s:%d", l.prefix, l.policy.Class, key, index)
}

// Allow はkeyに対するリクエストを1件数え、許可するかどうかを判定する。
// 増加後の値がMaxを超えた場合に拒否し、ウィンドウの残り時間をRetryAfterとして返す。
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	index, resetAt := l.window(now)

	count, err := l.counter.IncrementAndGet(ctx, l.counterKey(key, index), l.policy.Window)
	if err != nil {
		l.metrics.observeStoreError(l.policy.Class)
		if l.policy.FailOpen {
			l.logger.Warn("カウンターストア障害のためリクエストを許可",
				zap.String("class", l.policy.Class),
				zap.String("key", key),
				zap.Error(err),
			)
			d := Decision{
				Allowed:    true,
				Limit:      l.policy.Max,
				Remaining:  l.policy.Max,
				ResetAt:    resetAt,
				ResetAfter: resetAt.Sub(now),
				Degraded:   true,
			}
			l.metrics.observe(l.policy.Class, d)
			return d, nil
		}

		l.logger.Error("カウンターストア障害のためリクエストを拒否",
			zap.String("class", l.policy.Class),
			zap.String("key", key),
			zap.Error(err),
		)
		d := Decision{
			Allowed:    false,
			Limit:      l.policy.Max,
			ResetAt:    resetAt,
			ResetAfter: resetAt.Sub(now),
			RetryAfter: resetAt.Sub(now),
		}
		l.metrics.observe(l.policy.Class, d)
		return d, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	d := Decision{
		Allowed:    count <= l.policy.Max,
		Limit:      l.policy.Max,
		Remaining:  max(l.policy.Max-count, 0),
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(now),
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	l.metrics.observe(l.policy.Class, d)
	return d, nil
}
