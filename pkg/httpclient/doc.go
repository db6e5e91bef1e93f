// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// gatewayがバックエンドサービスのヘルスチェックを呼び出す際に使用する。
package httpclient
