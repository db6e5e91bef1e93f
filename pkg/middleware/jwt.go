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

// トークン検証で返されるエラー。
var (
	// ErrMissingToken はAuthorizationヘッダーが無い、またはBearer形式でないことを表す。
	ErrMissingToken = errors.New("token is missing")
	// ErrInvalidSignature は署名不一致、形式不正、アルゴリズム不一致、有効期限欠落を表す。
	ErrInvalidSignature = errors.New("token signature is invalid")
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = errors.New("token is expired")
)

// tokenIssuer はアクセストークンの発行者。
const tokenIssuer = "notehub-identity"

// bearerPrefix はAuthorizationヘッダーの認証スキーム。
const bearerPrefix = "Bearer "

// Identity はトークンとID伝播ヘッダーで運ばれるユーザーの識別情報。
type Identity struct {
	// SubjectID はアカウントごとに一意で不変の識別子。
	SubjectID string
	// DisplayName は表示用のユーザー名。
	DisplayName string
}

// JWTClaims はアクセストークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"userId"`
	// Username はユーザー名。
	Username string `json:"username"`
}

// GenerateJWT はユーザー情報から署名付きアクセストークンを生成する。
// identityサービスがログイン・登録時に呼び出す。
func GenerateJWT(secret string, identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.SubjectID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID:   identity.SubjectID,
		Username: identity.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verifier はアクセストークンの署名と有効期限を検証する。
// I/Oを伴わず、(トークン, シークレット, 現在時刻) が同じなら結果も同じ。
type Verifier struct {
	// secret は発行者と共有する署名用シークレット。起動後は変更しない。
	secret []byte
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// WithClock は時刻関数を差し替えたVerifierを返す。
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{secret: v.secret, now: now}
}

// VerifyHeader はAuthorizationヘッダーの値からトークンを取り出して検証する。
func (v *Verifier) VerifyHeader(authorization string) (*Identity, error) {
	tokenString, found := strings.CutPrefix(authorization, bearerPrefix)
	if !found || strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	return v.Verify(strings.TrimSpace(tokenString))
}

// Verify はトークンを検証し、埋め込まれた識別情報を返す。
// 有効期限切れは署名の正否にかかわらずErrExpiredとして報告する。
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	unverified := &JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if unverified.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: exp claim is required", ErrInvalidSignature)
	}
	if !v.now().Before(unverified.ExpiresAt.Time) {
		return nil, ErrExpired
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidSignature
	}

	return &Identity{SubjectID: claims.UserID, DisplayName: claims.Username}, nil
}

// contextKeyUserID と contextKeyIdentity はGinコンテキストのキー。
const (
	contextKeyUserID   = "user_id"
	contextKeyIdentity = "identity"
)

// JWTAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに識別情報を設定する。
// 失敗した場合は401を返し、後続のハンドラを実行しない。
func JWTAuth(v *Verifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := v.VerifyHeader(c.GetHeader("Authorization"))
		if err != nil {
			logger.Warn("トークン検証に失敗",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": authErrorMessage(err),
			})
			return
		}

		SetIdentity(c, *identity)
		c.Next()
	}
}

// authErrorMessage は検証エラーをクライアント向けの汎用メッセージに変換する。
func authErrorMessage(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return "Authentication required: Token is missing or invalid format."
	}
	return "Invalid token or token expired."
}

// SetIdentity はGinコンテキストに識別情報を設定する。
func SetIdentity(c *gin.Context, identity Identity) {
	c.Set(contextKeyIdentity, identity)
	c.Set(contextKeyUserID, identity.SubjectID)
}

// GetIdentity はGinコンテキストから識別情報を取得する。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthまたはRequireIdentityミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
