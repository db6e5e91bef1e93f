// Package identity はidentityサービスの内部実装を提供する。
//
// ユーザー登録、ログイン、トークンの更新と失効、プロフィール取得、
// パスワードリセットを担当する。アクセストークンはGatewayと共有する
// シークレットで署名し、Gatewayが検証する。プロフィール取得はGatewayが
// 伝播したユーザーIDのみを信頼する。
package identity
