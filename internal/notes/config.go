package notes

import "os"

// Config はnotesサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// IdentityAssertionSecret はGatewayのID表明を検証する鍵。空の場合はヘッダーのみを信頼する。
	IdentityAssertionSecret string
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() *Config {
	return &Config{
		Port:                    getEnvOr("PORT", "3002"),
		DatabasePath:            getEnvOr("DATABASE_PATH", "/data/notes.db"),
		IdentityAssertionSecret: os.Getenv("IDENTITY_ASSERTION_SECRET"),
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
