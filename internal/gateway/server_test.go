package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/notehub/pkg/middleware"
	"github.com/nao1215/notehub/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// testOrigin はテスト用の許可オリジン。
const testOrigin = "https://notes.example.com"

// recordedRequest はバックエンドが受け取ったリクエストの記録。
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// fakeBackend は受け取ったリクエストを記録するバックエンドのモック。
type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	server   *httptest.Server
}

// newFakeBackend は指定したハンドラで応答するバックエンドを起動する。
// handlerがnilの場合は200と受け取ったパスを返す。
func newFakeBackend(t *testing.T, handler http.HandlerFunc) *fakeBackend {
	t.Helper()

	b := &fakeBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		b.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"ok","service":"fake"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "path": r.URL.Path})
	}))
	t.Cleanup(b.server.Close)
	return b
}

// hits はバックエンドが受け取ったリクエスト数を返す。
func (b *fakeBackend) hits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// last は最後に受け取ったリクエストを返す。
func (b *fakeBackend) last(t *testing.T) recordedRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests, "バックエンドにリクエストが届いていない")
	return b.requests[len(b.requests)-1]
}

// testEnv はGatewayのテスト環境。
type testEnv struct {
	server   *Server
	identity *fakeBackend
	notes    *fakeBackend
	redis    *miniredis.Miniredis
	now      time.Time
}

// envOption はテスト環境の設定を変更する関数。
type envOption func(cfg *Config)

// newTestEnv はバックエンドのモックとminiredisを使ったGatewayを生成する。
func newTestEnv(t *testing.T, identityHandler, notesHandler http.HandlerFunc, opts ...envOption) *testEnv {
	t.Helper()

	identity := newFakeBackend(t, identityHandler)
	notes := newFakeBackend(t, notesHandler)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	identityURL, err := url.Parse(identity.server.URL)
	require.NoError(t, err)
	notesURL, err := url.Parse(notes.server.URL)
	require.NoError(t, err)

	cfg := &Config{
		Port:               "0",
		AccessTokenSecret:  testJWTSecret,
		IdentityServiceURL: identityURL,
		NotesServiceURL:    notesURL,
		AllowedOrigins:     allowedOrigins(testOrigin),
		UpstreamTimeout:    2 * time.Second,
		GlobalPolicy:       ratelimit.GlobalPolicy(),
		AuthPolicy:         ratelimit.AuthPolicy(),
		Rules:              DefaultRules(identityURL, notesURL),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// 現在の時刻を含むウィンドウの先頭付近に固定し、テスト中にウィンドウが切り替わらないようにする
	now := time.Now().Truncate(time.Hour).Add(30 * time.Second)
	s, err := NewServer(cfg, zap.NewNop(),
		WithCounter(ratelimit.NewRedisCounter(client)),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &testEnv{server: s, identity: identity, notes: notes, redis: mr, now: now}
}

// do はGatewayにリクエストを送信する。
func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.10:54321"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

// bearer はテスト用ユーザーのAuthorizationヘッダーを生成する。
func bearer(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := middleware.GenerateJWT(testJWTSecret, middleware.Identity{SubjectID: userID, DisplayName: "alice"}, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

// parseBody はレスポンスボディをマップに変換する。
func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body=%s", w.Body.String())
	return body
}

func TestServer_TokenVerification(t *testing.T) {
	t.Parallel()

	t.Run("Authorizationヘッダーが無い場合401を返しバックエンドに転送しないこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodGet, "/v1/notes/get-note", "", nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		body := parseBody(t, w)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Authentication required: Token is missing or invalid format.", body["message"])
		assert.Zero(t, env.notes.hits())
	})

	t.Run("別のシークレットで署名されたトークンは401になること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		token, err := middleware.GenerateJWT("other-secret", middleware.Identity{SubjectID: "u-1"}, time.Hour)
		require.NoError(t, err)
		w := env.do(http.MethodGet, "/v1/notes/get-note", "", map[string]string{"Authorization": "Bearer " + token})

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Invalid token or token expired.", parseBody(t, w)["message"])
		assert.Zero(t, env.notes.hits())
	})

	t.Run("プロフィール取得はトークンが必要でログインは不要であること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodGet, "/v1/auth/getProfile", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = env.do(http.MethodPost, "/v1/auth/login", `{"email":"a@example.com","password":"secret"}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "/api/auth/login", env.identity.last(t).Path)
	})
}

func TestServer_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("検証済みユーザーIDが付与されパスが書き換えられて転送されること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodGet, "/v1/notes/abc123", "", bearer(t, "u-42"))

		require.Equal(t, http.StatusOK, w.Code)
		got := env.notes.last(t)
		assert.Equal(t, "/api/notes/abc123", got.Path)
		assert.Equal(t, "u-42", got.Header.Get("x-user-id"))
		assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
		assert.Equal(t, "/api/notes/abc123", parseBody(t, w)["path"])
	})

	t.Run("クライアントが送ったx-user-idは除去されること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		header := bearer(t, "u-42")
		header["x-user-id"] = "attacker"
		w := env.do(http.MethodGet, "/v1/notes/abc123", "", header)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"u-42"}, env.notes.last(t).Header.Values("x-user-id"))

		// 認証不要のルートでも除去されること
		w = env.do(http.MethodPost, "/v1/auth/login", `{}`, map[string]string{"x-user-id": "attacker"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, env.identity.last(t).Header.Values("x-user-id"))
	})

	t.Run("クエリ文字列とボディがそのまま転送されること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		header := bearer(t, "u-1")
		header["Content-Type"] = "text/plain"
		w := env.do(http.MethodPost, "/v1/notes/create-note?draft=1", `{"title":"t","content":"c"}`, header)

		require.Equal(t, http.StatusOK, w.Code)
		got := env.notes.last(t)
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "draft=1", got.Query)
		assert.Equal(t, `{"title":"t","content":"c"}`, got.Body)
		assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	})

	t.Run("上流のステータスとヘッダーとボディがそのまま返ること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Request-Id", "req-1")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"success":false,"message":"Not authorized to view this note."}`)
		})

		w := env.do(http.MethodGet, "/v1/notes/abc123", "", bearer(t, "u-1"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
		assert.JSONEq(t, `{"success":false,"message":"Not authorized to view this note."}`, w.Body.String())
	})

	t.Run("上流がボディ無しの404を返した場合もそのまま返ること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		w := env.do(http.MethodDelete, "/v1/notes/missing", "", bearer(t, "u-1"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("上流がタイムアウトした場合502と汎用メッセージを返すこと", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		env := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}, func(cfg *Config) { cfg.UpstreamTimeout = 50 * time.Millisecond })

		w := env.do(http.MethodGet, "/v1/notes/get-note", "", bearer(t, "u-1"))

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.JSONEq(t, `{"success":false,"message":"Upstream service unavailable."}`, w.Body.String())
	})

	t.Run("上流に接続できない場合502を返すこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)
		env.notes.server.Close()

		w := env.do(http.MethodGet, "/v1/notes/get-note", "", bearer(t, "u-1"))

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "Upstream service unavailable.", parseBody(t, w)["message"])
	})

	t.Run("連続した接続失敗でサーキットブレーカーが開くこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)
		env.notes.server.Close()

		for i := 0; i < 6; i++ {
			w := env.do(http.MethodGet, "/v1/notes/get-note", "", bearer(t, "u-1"))
			require.Equal(t, http.StatusBadGateway, w.Code)
		}
		host := env.server.routes.Rules()[2].Target.Host
		assert.Equal(t, gobreaker.StateOpen, env.server.dispatcher.breaker(host).State())
	})

	t.Run("クライアントが切断した場合上流へのリクエストを中断し障害として数えないこと", func(t *testing.T) {
		t.Parallel()
		entered := make(chan struct{})
		aborted := make(chan struct{})
		env := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			select {
			case <-r.Context().Done():
				close(aborted)
			case <-time.After(5 * time.Second):
			}
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req := httptest.NewRequest(http.MethodGet, "/v1/notes/get-note", nil).WithContext(ctx)
		req.RemoteAddr = "203.0.113.10:54321"
		for k, v := range bearer(t, "u-1") {
			req.Header.Set(k, v)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			env.server.router.ServeHTTP(httptest.NewRecorder(), req)
		}()

		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("上流にリクエストが届かない")
		}
		cancel()

		select {
		case <-aborted:
		case <-time.After(2 * time.Second):
			t.Fatal("上流へのリクエストが中断されない")
		}
		<-done

		host := env.server.routes.Rules()[2].Target.Host
		cb := env.server.dispatcher.breaker(host)
		assert.Equal(t, gobreaker.StateClosed, cb.State())
		assert.Zero(t, cb.Counts().TotalFailures)
		assert.Zero(t, cb.Counts().ConsecutiveFailures)
	})

	t.Run("ID表明シークレットが設定されている場合署名付きヘッダーが付与されること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil, func(cfg *Config) { cfg.IdentityAssertionSecret = "assertion-secret" })

		header := bearer(t, "u-7")
		header[middleware.HeaderIdentityAssertion] = "forged"
		w := env.do(http.MethodGet, "/v1/notes/abc", "", header)
		require.Equal(t, http.StatusOK, w.Code)

		got := env.notes.last(t)
		assertion := got.Header.Get(middleware.HeaderIdentityAssertion)
		require.NotEmpty(t, assertion)
		assert.NotEqual(t, "forged", assertion)

		req := httptest.NewRequest(http.MethodGet, "/api/notes/abc", nil)
		req.Header = got.Header
		userID, err := middleware.NewSignedHeaderIdentity("assertion-secret").Extract(req)
		require.NoError(t, err)
		assert.Equal(t, "u-7", userID)
	})
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	t.Run("認証エンドポイントは21回目で429になること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		for i := 0; i < 20; i++ {
			w := env.do(http.MethodPost, "/v1/auth/login", `{}`, nil)
			require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		}

		w := env.do(http.MethodPost, "/v1/auth/login", `{}`, nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "Too many auth requests.", parseBody(t, w)["message"])
		assert.Equal(t, "20", w.Header().Get("RateLimit-Limit"))
		assert.Equal(t, "0", w.Header().Get("RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, 20, env.identity.hits())
	})

	t.Run("全体の上限を超えると429になること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil, func(cfg *Config) {
			cfg.GlobalPolicy = ratelimit.Policy{Class: ratelimit.ClassGlobal, Window: 15 * time.Minute, Max: 3, FailOpen: true}
		})

		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", nil).Code)
		}
		w := env.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "Too many requests.", parseBody(t, w)["message"])
	})

	t.Run("Redis停止時は全体制限が通過させ認証制限が503を返すこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)
		env.redis.Close()

		w := env.do(http.MethodGet, "/v1/notes/abc", "", bearer(t, "u-1"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("RateLimit-Limit"))

		w = env.do(http.MethodPost, "/v1/auth/login", `{}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "Service temporarily unavailable.", parseBody(t, w)["message"])
		assert.Zero(t, env.identity.hits())
	})

	t.Run("許可されていないオリジンはカウンターに触れずに403になること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodPost, "/v1/auth/login", `{}`, map[string]string{"Origin": "https://evil.example.com"})

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, env.redis.Keys())
		assert.Zero(t, env.identity.hits())
	})

	t.Run("許可されたオリジンにはCORSヘッダーが付与されること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodOptions, "/v1/auth/login", "", map[string]string{"Origin": testOrigin})

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Zero(t, env.identity.hits())
	})
}

func TestServer_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)

	for _, path := range []string{"/v2/notes", "/v1/notesx", "/v1/auth/../notes/abc"} {
		w := env.do(http.MethodGet, path, "", bearer(t, "u-1"))
		assert.Equal(t, http.StatusNotFound, w.Code, "path=%s", path)
		assert.JSONEq(t, `{"success":false,"message":"Not found."}`, w.Body.String())
	}
	assert.Zero(t, env.identity.hits())
	assert.Zero(t, env.notes.hits())
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	t.Run("ヘルスチェックが200を返すこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gateway", parseBody(t, w)["service"])
	})

	t.Run("全バックエンドが正常な場合レディネスが200を返すこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		w := env.do(http.MethodGet, "/health/ready", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		checks := parseBody(t, w)["checks"].(map[string]any)
		assert.Equal(t, "ok", checks["redis"])
		assert.Equal(t, "ok", checks["identity"])
		assert.Equal(t, "ok", checks["notes"])
	})

	t.Run("バックエンドが停止している場合レディネスが503を返すこと", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)
		core, logs := observer.New(zap.WarnLevel)
		env.server.logger = zap.New(core)
		env.notes.server.Close()

		w := env.do(http.MethodGet, "/health/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		checks := parseBody(t, w)["checks"].(map[string]any)
		assert.Equal(t, "unavailable", checks["notes"])
		assert.Equal(t, "ok", checks["identity"])

		entries := logs.FilterMessage("バックエンドのヘルスチェックに失敗").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "notes", fields["service"])
		assert.Equal(t, env.notes.server.URL, fields["url"])
	})

	t.Run("メトリクスが公開されること", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil, nil)

		env.do(http.MethodGet, "/v1/notes/abc", "", bearer(t, "u-1"))
		w := env.do(http.MethodGet, "/metrics", "", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "gateway_upstream_requests_total")
		assert.Contains(t, w.Body.String(), "gateway_ratelimit_decisions_total")
	})
}

func TestServer_Recovery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	env.server.router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := env.do(http.MethodGet, "/panic", "", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error.", parseBody(t, w)["message"])
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("シークレットが空の場合エラーが返ること", func(t *testing.T) {
		t.Parallel()
		_, err := NewServer(&Config{}, zap.NewNop())
		assert.ErrorIs(t, err, ErrMissingConfig)
	})

	t.Run("ルールが不正な場合エラーが返ること", func(t *testing.T) {
		t.Parallel()
		_, err := NewServer(&Config{AccessTokenSecret: "s", Rules: []Rule{{Name: "x", Prefix: "x"}}}, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidRoute)
	})
}

func TestIsCleanPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{path: "/", want: true},
		{path: "/v1/notes", want: true},
		{path: "/v1/notes/", want: true},
		{path: "/v1/notes/../auth", want: false},
		{path: "/v1//notes", want: false},
		{path: "/v1/./notes", want: false},
	}
	for _, tt := range tests {
		if got := isCleanPath(tt.path); got != tt.want {
			t.Errorf("isCleanPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
