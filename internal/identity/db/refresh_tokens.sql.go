package db

import (
	"context"
)

const createRefreshToken = `
INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
VALUES (?, ?, ?, ?)
`

// CreateRefreshToken はリフレッシュトークンを保存する。
func (q *Queries) CreateRefreshToken(ctx context.Context, arg RefreshToken) error {
	_, err := q.db.ExecContext(ctx, createRefreshToken, arg.TokenHash, arg.UserID, arg.ExpiresAt, arg.CreatedAt)
	return err
}

const claimRefreshToken = `
DELETE FROM refresh_tokens
WHERE token_hash = ? AND expires_at > ?
RETURNING user_id
`

// ClaimRefreshToken は有効期限内のリフレッシュトークンを削除し、所有ユーザーのIDを返す。
// 1文で削除するため、同じトークンを取得できるのは1回だけ。該当が無い場合はsql.ErrNoRowsを返す。
func (q *Queries) ClaimRefreshToken(ctx context.Context, tokenHash string, now int64) (string, error) {
	var userID string
	err := q.db.QueryRowContext(ctx, claimRefreshToken, tokenHash, now).Scan(&userID)
	return userID, err
}

const deleteRefreshToken = `DELETE FROM refresh_tokens WHERE token_hash = ?`

// DeleteRefreshToken はリフレッシュトークンを削除し、削除した件数を返す。
func (q *Queries) DeleteRefreshToken(ctx context.Context, tokenHash string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteRefreshToken, tokenHash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteRefreshTokensByUser = `DELETE FROM refresh_tokens WHERE user_id = ?`

// DeleteRefreshTokensByUser はユーザーの全リフレッシュトークンを削除する。
func (q *Queries) DeleteRefreshTokensByUser(ctx context.Context, userID string) error {
	_, err := q.db.ExecContext(ctx, deleteRefreshTokensByUser, userID)
	return err
}

const deleteExpiredRefreshTokens = `DELETE FROM refresh_tokens WHERE expires_at <= ?`

// DeleteExpiredRefreshTokens は有効期限切れのリフレッシュトークンを削除する。
func (q *Queries) DeleteExpiredRefreshTokens(ctx context.Context, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteExpiredRefreshTokens, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
