package gateway

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nao1215/notehub/pkg/ratelimit"
)

// RewriteFunc は外部向けパスを上流サービスのパスに書き換える。
type RewriteFunc func(path string) string

// Rule は1つのルーティングルール。
type Rule struct {
	// Name はログとメトリクスに使うルール名。
	Name string
	// Prefix はマッチ対象のパス接頭辞（セグメント単位で比較する）。
	Prefix string
	// Target は転送先サービスのベースURL。
	Target *url.URL
	// RequireAuth はJWT検証を要求するかどうか。
	RequireAuth bool
	// Class はルート単位のレート制限クラス。空の場合はルート単位の制限を行わない。
	Class string
	// Rewrite は転送時のパス書き換え。nilの場合は書き換えない。
	Rewrite RewriteFunc
}

// PrefixRewrite はパス先頭のfromをtoに置き換えるRewriteFuncを返す。
// fromがセグメント境界で一致しない場合はパスをそのまま返す。
func PrefixRewrite(from, to string) RewriteFunc {
	return func(path string) string {
		if !hasPathPrefix(path, from) {
			return path
		}
		return to + path[len(from):]
	}
}

// hasPathPrefix はpathがprefixと等しいか、prefix/配下にあるかを判定する。
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// matches はルールがパスにマッチするかどうかを判定する。
func (r Rule) matches(path string) bool {
	return hasPathPrefix(path, r.Prefix)
}

// upstreamURL は転送先の完全なURLを組み立てる。クエリ文字列はそのまま引き継ぐ。
func (r Rule) upstreamURL(path, rawQuery string) string {
	if r.Rewrite != nil {
		path = r.Rewrite(path)
	}
	u := *r.Target
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// validate はルールの妥当性を検証する。
func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoute)
	}
	if !strings.HasPrefix(r.Prefix, "/") || (len(r.Prefix) > 1 && strings.HasSuffix(r.Prefix, "/")) {
		return fmt.Errorf("%w: %s: prefix must start with / and must not end with /", ErrInvalidRoute, r.Name)
	}
	if r.Target == nil || r.Target.Scheme == "" || r.Target.Host == "" {
		return fmt.Errorf("%w: %s: target must be an absolute URL", ErrInvalidRoute, r.Name)
	}
	// globalクラスはエンジン全体で既に数えているため、ルート単位ではauthのみ指定できる
	if r.Class != "" && r.Class != ratelimit.ClassAuth {
		return fmt.Errorf("%w: %s: route class must be %q or empty, got %q", ErrInvalidRoute, r.Name, ratelimit.ClassAuth, r.Class)
	}
	return nil
}

// Router は登録順に評価するルーティングテーブル。生成後は変更しない。
type Router struct {
	rules []Rule
}

// NewRouter はルールを検証してRouterを生成する。
func NewRouter(rules []Rule) (*Router, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: at least one rule is required", ErrInvalidRoute)
	}
	copied := make([]Rule, len(rules))
	names := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := names[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRoute, r.Name)
		}
		names[r.Name] = struct{}{}
		copied[i] = r
	}
	return &Router{rules: copied}, nil
}

// Match はパスに最初にマッチしたルールを返す。
// 同じパスに対しては常に同じルールを返す。
func (r *Router) Match(path string) (Rule, bool) {
	for _, rule := range r.rules {
		if rule.matches(path) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Rules は登録順のルール一覧のコピーを返す。
func (r *Router) Rules() []Rule {
	rules := make([]Rule, len(r.rules))
	copy(rules, r.rules)
	return rules
}

// DefaultRules は既定のルーティングテーブルを返す。
// プロフィール取得は認証必須、その他の認証エンドポイントは認証不要で、
// どちらもauthクラスのレート制限を受ける。notesは全て認証必須。
func DefaultRules(identityURL, notesURL *url.URL) []Rule {
	rewrite := PrefixRewrite("/v1", "/api")
	return []Rule{
		{
			Name:        "profile",
			Prefix:      "/v1/auth/getProfile",
			Target:      identityURL,
			RequireAuth: true,
			Class:       ratelimit.ClassAuth,
			Rewrite:     rewrite,
		},
		{
			Name:    "auth",
			Prefix:  "/v1/auth",
			Target:  identityURL,
			Class:   ratelimit.ClassAuth,
			Rewrite: rewrite,
		},
		{
			Name:        "notes",
			Prefix:      "/v1/notes",
			Target:      notesURL,
			RequireAuth: true,
			Rewrite:     rewrite,
		},
	}
}
