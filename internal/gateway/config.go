package gateway

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nao1215/notehub/pkg/ratelimit"
	"gopkg.in/yaml.v3"
)

// defaultOrigins は開発用フロントエンドのオリジン。FRONTEND_URLに加えて常に許可する。
var defaultOrigins = []string{"http://localhost:5173", "http://localhost:5174"}

// defaultUpstreamTimeout は上流サービスへの転送タイムアウトの既定値。
const defaultUpstreamTimeout = 10 * time.Second

// 転送先の論理名。ルート定義ファイルのtargetで使う。
const (
	targetIdentity = "identity"
	targetNotes    = "notes"
)

// Config はGatewayの設定。起動時に一度だけ読み込み、以後は変更しない。
type Config struct {
	// Port はリッスンポート。
	Port string
	// AccessTokenSecret はアクセストークンの検証に使う共有シークレット。
	AccessTokenSecret string
	// IdentityAssertionSecret はバックエンド向けID表明の署名鍵。空の場合はヘッダーのみで伝播する。
	IdentityAssertionSecret string
	// RedisURL はレート制限カウンターを保持するRedisのURL。
	RedisURL string
	// IdentityServiceURL はidentityサービスのベースURL。
	IdentityServiceURL *url.URL
	// NotesServiceURL はnotesサービスのベースURL。
	NotesServiceURL *url.URL
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// TrustedProxies はクライアントIPの算出で信頼するプロキシ。空の場合は接続元アドレスを使う。
	TrustedProxies []string
	// UpstreamTimeout は上流サービスへの転送タイムアウト。
	UpstreamTimeout time.Duration
	// GlobalPolicy は全トラフィック向けのレート制限ポリシー。
	GlobalPolicy ratelimit.Policy
	// AuthPolicy は認証エンドポイント向けのレート制限ポリシー。
	AuthPolicy ratelimit.Policy
	// Rules はルーティングテーブル。
	Rules []Rule
}

// LoadConfig は環境変数から設定を読み込む。
// ROUTES_FILEが指定されている場合はYAMLのルート定義で既定のテーブルを置き換える。
func LoadConfig() (*Config, error) {
	secret := os.Getenv("ACCESS_TOKEN_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("%w: ACCESS_TOKEN_SECRET", ErrMissingConfig)
	}

	identityURL, err := parseServiceURL("USER_SERVICE_URL", getEnvOr("USER_SERVICE_URL", "http://localhost:3001"))
	if err != nil {
		return nil, err
	}
	notesURL, err := parseServiceURL("NOTES_SERVICE_URL", getEnvOr("NOTES_SERVICE_URL", "http://localhost:3002"))
	if err != nil {
		return nil, err
	}

	timeout := defaultUpstreamTimeout
	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("UPSTREAM_TIMEOUTが不正です: %q", v)
		}
	}

	cfg := &Config{
		Port:                    getEnvOr("PORT", "3000"),
		AccessTokenSecret:       secret,
		IdentityAssertionSecret: os.Getenv("IDENTITY_ASSERTION_SECRET"),
		RedisURL:                getEnvOr("REDIS_URL", "redis://localhost:6379/0"),
		IdentityServiceURL:      identityURL,
		NotesServiceURL:         notesURL,
		AllowedOrigins:          allowedOrigins(os.Getenv("FRONTEND_URL")),
		TrustedProxies:          splitList(os.Getenv("TRUSTED_PROXIES")),
		UpstreamTimeout:         timeout,
		GlobalPolicy:            ratelimit.GlobalPolicy(),
		AuthPolicy:              ratelimit.AuthPolicy(),
		Rules:                   DefaultRules(identityURL, notesURL),
	}

	if path := os.Getenv("ROUTES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ルート定義ファイルの読み込みに失敗: %w", err)
		}
		if err := cfg.applyRoutesFile(data); err != nil {
			return nil, fmt.Errorf("ルート定義ファイル %s が不正です: %w", path, err)
		}
	}

	return cfg, nil
}

// routesFile はルート定義ファイルのYAML表現。
type routesFile struct {
	// Routes はルーティングテーブル。記述順に評価する。
	Routes []routeEntry `yaml:"routes"`
	// Policies はレート制限ポリシーの上書き。classでglobalかauthを指定する。
	Policies []ratelimit.Policy `yaml:"policies"`
}

// routeEntry はルート定義ファイル中の1ルール。
type routeEntry struct {
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Target      string `yaml:"target"`
	RequireAuth bool   `yaml:"requireAuth"`
	Class       string `yaml:"class"`
	Rewrite     *struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"rewrite"`
}

// applyRoutesFile はYAMLのルート定義を設定に反映する。
func (c *Config) applyRoutesFile(data []byte) error {
	var file routesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("YAMLの解析に失敗: %w", err)
	}

	if len(file.Routes) > 0 {
		rules := make([]Rule, 0, len(file.Routes))
		for _, e := range file.Routes {
			target, err := c.resolveTarget(e.Target)
			if err != nil {
				return fmt.Errorf("route %s: %w", e.Name, err)
			}
			if e.Class != "" && e.Class != ratelimit.ClassAuth {
				return fmt.Errorf("%w: %s: route class must be %q or empty, got %q", ErrInvalidRoute, e.Name, ratelimit.ClassAuth, e.Class)
			}
			rule := Rule{
				Name:        e.Name,
				Prefix:      e.Prefix,
				Target:      target,
				RequireAuth: e.RequireAuth,
				Class:       e.Class,
			}
			if e.Rewrite != nil {
				rule.Rewrite = PrefixRewrite(e.Rewrite.From, e.Rewrite.To)
			}
			rules = append(rules, rule)
		}
		c.Rules = rules
	}

	for _, p := range file.Policies {
		switch p.Class {
		case ratelimit.ClassGlobal:
			c.GlobalPolicy = p
		case ratelimit.ClassAuth:
			c.AuthPolicy = p
		default:
			return fmt.Errorf("unknown policy class %q", p.Class)
		}
	}
	return nil
}

// resolveTarget は論理名または絶対URLを転送先URLに解決する。
func (c *Config) resolveTarget(target string) (*url.URL, error) {
	switch target {
	case targetIdentity:
		return c.IdentityServiceURL, nil
	case targetNotes:
		return c.NotesServiceURL, nil
	}
	return parseServiceURL("target", target)
}

// parseServiceURL はサービスのベースURLを解析する。
func parseServiceURL(name, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %s: %q is not an absolute URL", ErrInvalidRoute, name, raw)
	}
	return u, nil
}

// allowedOrigins はFRONTEND_URL（カンマ区切り）と開発用オリジンを合わせた許可リストを返す。
func allowedOrigins(frontendURL string) []string {
	origins := splitList(frontendURL)
	for _, o := range defaultOrigins {
		if !contains(origins, o) {
			origins = append(origins, o)
		}
	}
	return origins
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(v string) []string {
	var items []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}
	return items
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
