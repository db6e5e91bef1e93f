package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/notehub/pkg/ratelimit"
)

// t.Setenvを使うテストはt.Parallel()を呼べない。

func TestLoadConfig(t *testing.T) {
	t.Run("既定値で設定が読み込まれること", func(t *testing.T) {
		t.Setenv("ACCESS_TOKEN_SECRET", "secret")
		t.Setenv("FRONTEND_URL", "https://notes.example.com, https://admin.example.com")
		t.Setenv("USER_SERVICE_URL", "")
		t.Setenv("NOTES_SERVICE_URL", "")
		t.Setenv("UPSTREAM_TIMEOUT", "")
		t.Setenv("ROUTES_FILE", "")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig()でエラーが発生: %v", err)
		}
		if cfg.Port != "3000" {
			t.Errorf("Port = %q, want %q", cfg.Port, "3000")
		}
		if cfg.UpstreamTimeout != defaultUpstreamTimeout {
			t.Errorf("UpstreamTimeout = %v, want %v", cfg.UpstreamTimeout, defaultUpstreamTimeout)
		}
		if cfg.IdentityServiceURL.String() != "http://localhost:3001" {
			t.Errorf("IdentityServiceURL = %q", cfg.IdentityServiceURL)
		}
		wantOrigins := []string{
			"https://notes.example.com",
			"https://admin.example.com",
			"http://localhost:5173",
			"http://localhost:5174",
		}
		if len(cfg.AllowedOrigins) != len(wantOrigins) {
			t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, wantOrigins)
		}
		for i, o := range wantOrigins {
			if cfg.AllowedOrigins[i] != o {
				t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], o)
			}
		}
		if len(cfg.Rules) != 3 {
			t.Errorf("len(Rules) = %d, want 3", len(cfg.Rules))
		}
	})

	t.Run("ACCESS_TOKEN_SECRETが無い場合エラーが返ること", func(t *testing.T) {
		t.Setenv("ACCESS_TOKEN_SECRET", "")

		if _, err := LoadConfig(); !errors.Is(err, ErrMissingConfig) {
			t.Errorf("LoadConfig() error = %v, want ErrMissingConfig", err)
		}
	})

	t.Run("UPSTREAM_TIMEOUTが不正な場合エラーが返ること", func(t *testing.T) {
		t.Setenv("ACCESS_TOKEN_SECRET", "secret")
		t.Setenv("UPSTREAM_TIMEOUT", "soon")

		if _, err := LoadConfig(); err == nil {
			t.Error("LoadConfig()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("ROUTES_FILEでルートとポリシーが置き換えられること", func(t *testing.T) {
		routes := `
routes:
  - name: notes
    prefix: /v1/notes
    target: notes
    requireAuth: true
    rewrite:
      from: /v1
      to: /api
  - name: legacy
    prefix: /legacy
    target: http://legacy.internal:8080
    class: auth
policies:
  - class: auth
    window: 1m
    max: 5
`
		path := filepath.Join(t.TempDir(), "routes.yaml")
		if err := os.WriteFile(path, []byte(routes), 0o600); err != nil {
			t.Fatalf("ルート定義ファイルの作成に失敗: %v", err)
		}
		t.Setenv("ACCESS_TOKEN_SECRET", "secret")
		t.Setenv("UPSTREAM_TIMEOUT", "3s")
		t.Setenv("ROUTES_FILE", path)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig()でエラーが発生: %v", err)
		}
		if cfg.UpstreamTimeout != 3*time.Second {
			t.Errorf("UpstreamTimeout = %v, want 3s", cfg.UpstreamTimeout)
		}
		if len(cfg.Rules) != 2 {
			t.Fatalf("len(Rules) = %d, want 2", len(cfg.Rules))
		}
		if cfg.Rules[0].Target != cfg.NotesServiceURL {
			t.Errorf("Rules[0].Target = %v, want %v", cfg.Rules[0].Target, cfg.NotesServiceURL)
		}
		if got := cfg.Rules[0].Rewrite("/v1/notes/a"); got != "/api/notes/a" {
			t.Errorf("Rules[0].Rewrite() = %q", got)
		}
		if cfg.Rules[1].Target.Host != "legacy.internal:8080" || cfg.Rules[1].Rewrite != nil {
			t.Errorf("Rules[1] = %+v", cfg.Rules[1])
		}
		want := ratelimit.Policy{Class: ratelimit.ClassAuth, Window: time.Minute, Max: 5}
		if cfg.AuthPolicy != want {
			t.Errorf("AuthPolicy = %+v, want %+v", cfg.AuthPolicy, want)
		}
		if cfg.GlobalPolicy != ratelimit.GlobalPolicy() {
			t.Errorf("GlobalPolicy = %+v, want default", cfg.GlobalPolicy)
		}
	})

	t.Run("ROUTES_FILEに未知のクラスがある場合エラーが返ること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routes.yaml")
		data := "routes:\n  - name: x\n    prefix: /x\n    target: notes\n    class: premium\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatalf("ルート定義ファイルの作成に失敗: %v", err)
		}
		t.Setenv("ACCESS_TOKEN_SECRET", "secret")
		t.Setenv("UPSTREAM_TIMEOUT", "")
		t.Setenv("ROUTES_FILE", path)

		if _, err := LoadConfig(); !errors.Is(err, ErrInvalidRoute) {
			t.Errorf("LoadConfig() error = %v, want ErrInvalidRoute", err)
		}
	})

	t.Run("ROUTES_FILEでルートにglobalクラスを指定した場合エラーが返ること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routes.yaml")
		data := "routes:\n  - name: auth\n    prefix: /v1/auth\n    target: identity\n    class: global\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatalf("ルート定義ファイルの作成に失敗: %v", err)
		}
		t.Setenv("ACCESS_TOKEN_SECRET", "secret")
		t.Setenv("UPSTREAM_TIMEOUT", "")
		t.Setenv("ROUTES_FILE", path)

		if _, err := LoadConfig(); !errors.Is(err, ErrInvalidRoute) {
			t.Errorf("LoadConfig() error = %v, want ErrInvalidRoute", err)
		}
	})
}
