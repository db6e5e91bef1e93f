package identity

import (
	"errors"
	"os"
)

// ErrMissingSecret はACCESS_TOKEN_SECRETが設定されていないことを表す。
var ErrMissingSecret = errors.New("ACCESS_TOKEN_SECRET is required")

// Config はidentityサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// AccessTokenSecret はアクセストークンの署名に使う共有シークレット。
	AccessTokenSecret string
	// IdentityAssertionSecret はGatewayのID表明を検証する鍵。空の場合はヘッダーのみを信頼する。
	IdentityAssertionSecret string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// ResetURLBase はパスワードリセットリンクのベースURL。末尾にトークンを付ける。
	ResetURLBase string
	// SecureCookie はリフレッシュトークンのCookieにSecure属性を付けるかどうか。
	SecureCookie bool
	// SMTP はメール送信の設定。Hostが空の場合はログに出力する。
	SMTP SMTPConfig
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	secret := os.Getenv("ACCESS_TOKEN_SECRET")
	if secret == "" {
		return nil, ErrMissingSecret
	}

	return &Config{
		Port:                    getEnvOr("PORT", "3001"),
		AccessTokenSecret:       secret,
		IdentityAssertionSecret: os.Getenv("IDENTITY_ASSERTION_SECRET"),
		DatabasePath:            getEnvOr("DATABASE_PATH", "/data/identity.db"),
		ResetURLBase:            getEnvOr("RESET_URL_BASE", "http://localhost:3000/v1/auth/resetPassword"),
		SecureCookie:            getEnvOr("APP_ENV", "production") != "development",
		SMTP: SMTPConfig{
			Host:      os.Getenv("MAIL_HOST"),
			Port:      getEnvOr("MAIL_PORT", "587"),
			Username:  os.Getenv("MAIL_USERNAME"),
			Password:  os.Getenv("MAIL_PASSWORD"),
			FromName:  getEnvOr("FROM_NAME", "support"),
			FromEmail: getEnvOr("FROM_EMAIL", "support@notehub.local"),
		},
	}, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
