package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// HeaderUserID はgatewayがバックエンドへユーザーIDを伝播するHTTPヘッダーキー。
// HTTPヘッダーは大文字小文字を区別しない。
const HeaderUserID = "X-User-Id"

// HeaderIdentityAssertion はgatewayが署名したID表明を運ぶHTTPヘッダーキー。
const HeaderIdentityAssertion = "X-Identity-Assertion"

// ErrIdentityMissing は信頼されたIDヘッダーが存在しない、または検証できないことを表す。
var ErrIdentityMissing = errors.New("identity missing")

// assertionTTL は署名付きID表明の有効期間。
const assertionTTL = 30 * time.Second

// assertionAudience は署名付きID表明の宛先。
const assertionAudience = "notehub-backend"

// IdentityAsserter はgateway側で転送リクエストに識別情報を付与する。
type IdentityAsserter interface {
	// Assert は転送リクエストに識別情報を付与する。
	Assert(req *http.Request, identity Identity) error
	// Strip はクライアントが送ってきたIDヘッダーを除去する。
	Strip(header http.Header)
}

// IdentityExtractor はバックエンド側でgatewayが付与した識別情報を取り出す。
type IdentityExtractor interface {
	// Extract はリクエストからユーザーIDを取り出す。
	Extract(req *http.Request) (string, error)
}

var (
	_ IdentityAsserter  = HeaderIdentity{}
	_ IdentityExtractor = HeaderIdentity{}
	_ IdentityAsserter  = (*SignedHeaderIdentity)(nil)
	_ IdentityExtractor = (*SignedHeaderIdentity)(nil)
)

// HeaderIdentity はx-user-idヘッダーのみでIDを伝播する。
// 暗号的な結び付けは無く、バックエンドが外部から到達できないことが前提となる。
type HeaderIdentity struct{}

// Assert はx-user-idヘッダーを設定する。
func (HeaderIdentity) Assert(req *http.Request, identity Identity) error {
	if identity.SubjectID == "" {
		return ErrIdentityMissing
	}
	req.Header.Set(HeaderUserID, identity.SubjectID)
	return nil
}

// Strip はIDヘッダーを除去する。
func (HeaderIdentity) Strip(header http.Header) {
	header.Del(HeaderUserID)
	header.Del(HeaderIdentityAssertion)
}

// Extract はx-user-idヘッダーの値を返す。
func (HeaderIdentity) Extract(req *http.Request) (string, error) {
	userID := strings.TrimSpace(req.Header.Get(HeaderUserID))
	if userID == "" {
		return "", ErrIdentityMissing
	}
	return userID, nil
}

// SignedHeaderIdentity はx-user-idに加えて、gatewayとバックエンドで共有する
// シークレットで署名した短命の表明を付与する。表明の主体とヘッダーが一致しない
// リクエストは拒否される。
type SignedHeaderIdentity struct {
	// secret はgatewayとバックエンドで共有する署名用シークレット。
	secret []byte
	// now は現在時刻を返す関数。
	now func() time.Time
}

// NewSignedHeaderIdentity は新しいSignedHeaderIdentityを生成する。
func NewSignedHeaderIdentity(secret string) *SignedHeaderIdentity {
	return &SignedHeaderIdentity{secret: []byte(secret), now: time.Now}
}

// Assert はx-user-idと署名付き表明を設定する。
func (s *SignedHeaderIdentity) Assert(req *http.Request, identity Identity) error {
	if err := (HeaderIdentity{}).Assert(req, identity); err != nil {
		return err
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity.SubjectID,
		Audience:  jwt.ClaimStrings{assertionAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("ID表明の署名に失敗: %w", err)
	}
	req.Header.Set(HeaderIdentityAssertion, signed)
	return nil
}

// Strip はIDヘッダーを除去する。
func (s *SignedHeaderIdentity) Strip(header http.Header) {
	HeaderIdentity{}.Strip(header)
}

// Extract は表明を検証し、ヘッダーのユーザーIDと一致する場合にそれを返す。
func (s *SignedHeaderIdentity) Extract(req *http.Request) (string, error) {
	userID, err := HeaderIdentity{}.Extract(req)
	if err != nil {
		return "", err
	}

	assertion := req.Header.Get(HeaderIdentityAssertion)
	if assertion == "" {
		return "", ErrIdentityMissing
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(assertion, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(assertionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityMissing, err)
	}
	if claims.Subject != userID {
		return "", fmt.Errorf("%w: subject mismatch", ErrIdentityMissing)
	}
	return userID, nil
}

// NewIdentityPropagation は共有シークレットの有無に応じてID伝播方式を選ぶ。
// シークレットが空の場合はヘッダーのみの方式を返す。
func NewIdentityPropagation(assertionSecret string) interface {
	IdentityAsserter
	IdentityExtractor
} {
	if assertionSecret == "" {
		return HeaderIdentity{}
	}
	return NewSignedHeaderIdentity(assertionSecret)
}

// RequireIdentity はgatewayが付与したIDを要求するGinミドルウェアを返す。
// バックエンドのパイプラインの先頭で使用し、IDが無い場合は403を返して
// 後続のハンドラを実行しない。他のヘッダー（Authorization等）は考慮しない。
func RequireIdentity(extractor IdentityExtractor, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := extractor.Extract(c.Request)
		if err != nil {
			logger.Warn("信頼されたIDヘッダーがありません",
				zap.String("header", HeaderUserID),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"message":   "Access Denied: User identity not propagated.",
				"errorCode": "IDENTITY_MISSING",
			})
			return
		}

		c.Set(contextKeyUserID, userID)
		c.Next()
	}
}
