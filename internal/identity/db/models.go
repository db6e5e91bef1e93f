package db

import "database/sql"

// User はusersテーブルの1行。時刻はUNIXミリ秒。
type User struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	ResetTokenHash      sql.NullString
	ResetTokenExpiresAt sql.NullInt64
	CreatedAt           int64
	UpdatedAt           int64
}

// RefreshToken はrefresh_tokensテーブルの1行。
type RefreshToken struct {
	TokenHash string
	UserID    string
	ExpiresAt int64
	CreatedAt int64
}
