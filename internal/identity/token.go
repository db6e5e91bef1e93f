package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	identitydb "github.com/nao1215/notehub/internal/identity/db"
	"github.com/nao1215/notehub/pkg/middleware"
)

const (
	// accessTokenTTL はアクセストークンの有効期間。
	accessTokenTTL = 60 * time.Minute
	// refreshTokenTTL はリフレッシュトークンの有効期間。
	refreshTokenTTL = 7 * 24 * time.Hour
	// refreshTokenBytes はリフレッシュトークンの乱数バイト数。
	refreshTokenBytes = 40
	// resetTokenTTL はパスワードリセットトークンの有効期間。
	resetTokenTTL = 10 * time.Minute
	// resetTokenBytes はパスワードリセットトークンの乱数バイト数。
	resetTokenBytes = 20
)

// tokenPair はログイン・登録時に返すトークンの組。
type tokenPair struct {
	AccessToken  string
	RefreshToken string
}

// randomToken はn バイトの乱数を16進文字列で返す。
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("乱数の生成に失敗: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashToken はトークンのSHA-256ハッシュを16進文字列で返す。DBには平文を保存しない。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// issueTokens はアクセストークンを発行し、リフレッシュトークンを保存する。
func (s *Server) issueTokens(ctx context.Context, q *identitydb.Queries, user identitydb.User) (tokenPair, error) {
	accessToken, err := middleware.GenerateJWT(s.accessTokenSecret, middleware.Identity{
		SubjectID:   user.ID,
		DisplayName: user.Username,
	}, accessTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}

	refreshToken, err := randomToken(refreshTokenBytes)
	if err != nil {
		return tokenPair{}, err
	}

	now := s.now()
	if err := q.CreateRefreshToken(ctx, identitydb.RefreshToken{
		TokenHash: hashToken(refreshToken),
		UserID:    user.ID,
		ExpiresAt: now.Add(refreshTokenTTL).UnixMilli(),
		CreatedAt: now.UnixMilli(),
	}); err != nil {
		return tokenPair{}, fmt.Errorf("リフレッシュトークンの保存に失敗: %w", err)
	}

	return tokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}
