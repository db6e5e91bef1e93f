// Package notes はnotesサービスの内部実装を提供する。
//
// ユーザーごとのノートの作成、一覧取得、更新、削除、アーカイブを担当する。
// 全エンドポイントはGatewayが伝播したユーザーIDを要求し、他のユーザーの
// ノートへのアクセスは403で拒否する。
package notes
