package db

import (
	"context"
)

const userColumns = `id, username, email, password_hash, reset_token_hash, reset_token_expires_at, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.ResetTokenHash,
		&u.ResetTokenExpiresAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

const createUser = `
INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`

// CreateUserParams はCreateUserの引数。
type CreateUserParams struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    int64
}

// CreateUser はユーザーを登録する。
func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) error {
	_, err := q.db.ExecContext(ctx, createUser,
		arg.ID,
		arg.Username,
		arg.Email,
		arg.PasswordHash,
		arg.CreatedAt,
		arg.CreatedAt,
	)
	return err
}

const getUserByID = `SELECT ` + userColumns + ` FROM users WHERE id = ?`

// GetUserByID はIDでユーザーを取得する。
func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByID, id))
}

const getUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE email = ?`

// GetUserByEmail はメールアドレスでユーザーを取得する。
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByEmail, email))
}

const countUsersByUsernameOrEmail = `SELECT COUNT(*) FROM users WHERE username = ? OR email = ?`

// CountUsersByUsernameOrEmail はユーザー名またはメールアドレスが一致するユーザー数を返す。
func (q *Queries) CountUsersByUsernameOrEmail(ctx context.Context, username, email string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countUsersByUsernameOrEmail, username, email).Scan(&n)
	return n, err
}

const setResetToken = `
UPDATE users SET reset_token_hash = ?, reset_token_expires_at = ?, updated_at = ?
WHERE id = ?
`

// SetResetTokenParams はSetResetTokenの引数。
type SetResetTokenParams struct {
	ID        string
	TokenHash string
	ExpiresAt int64
	UpdatedAt int64
}

// SetResetToken はパスワードリセットトークンのハッシュと有効期限を保存する。
func (q *Queries) SetResetToken(ctx context.Context, arg SetResetTokenParams) error {
	_, err := q.db.ExecContext(ctx, setResetToken, arg.TokenHash, arg.ExpiresAt, arg.UpdatedAt, arg.ID)
	return err
}

const clearResetToken = `
UPDATE users SET reset_token_hash = NULL, reset_token_expires_at = NULL, updated_at = ?
WHERE id = ?
`

// ClearResetToken はパスワードリセットトークンを削除する。
func (q *Queries) ClearResetToken(ctx context.Context, id string, updatedAt int64) error {
	_, err := q.db.ExecContext(ctx, clearResetToken, updatedAt, id)
	return err
}

const getUserByResetToken = `SELECT ` + userColumns + ` FROM users
WHERE reset_token_hash = ? AND reset_token_expires_at > ?`

// GetUserByResetToken は有効期限内のリセットトークンハッシュでユーザーを取得する。
func (q *Queries) GetUserByResetToken(ctx context.Context, tokenHash string, now int64) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByResetToken, tokenHash, now))
}

const resetPassword = `
UPDATE users
SET password_hash = ?, reset_token_hash = NULL, reset_token_expires_at = NULL, updated_at = ?
WHERE id = ?
`

// ResetPassword はパスワードを更新し、リセットトークンを無効にする。
func (q *Queries) ResetPassword(ctx context.Context, id, passwordHash string, updatedAt int64) error {
	_, err := q.db.ExecContext(ctx, resetPassword, passwordHash, updatedAt, id)
	return err
}
