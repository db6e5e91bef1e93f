package gateway

import "errors"

// 転送処理のセンチネルエラー。
var (
	// ErrUpstreamTimeout は上流サービスへのリクエストがタイムアウトしたことを表す。
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrUpstreamUnavailable は上流サービスに接続できないことを表す。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrCircuitOpen はサーキットブレーカーが開いているため転送しなかったことを表す。
	ErrCircuitOpen = errors.New("upstream circuit open")
	// ErrInvalidRoute はルート定義が不正であることを表す。
	ErrInvalidRoute = errors.New("invalid route")
	// ErrMissingConfig は必須の設定値が無いことを表す。
	ErrMissingConfig = errors.New("missing required configuration")
)
