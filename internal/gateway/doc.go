// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。オリジン検査、レート制限、ルーティング、JWT検証を行った上で
// identityサービスとnotesサービスへリクエストを転送する。
// バックエンドへは検証済みユーザーIDのみを伝播し、クライアントが送ってきた
// IDヘッダーは必ず除去する。
package gateway
