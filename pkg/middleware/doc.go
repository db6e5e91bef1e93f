// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// アクセストークンの検証やgatewayとバックエンド間のID伝播（トラストバウンダリ）など、
// 全サービスで共通して使用するミドルウェアを含む。
package middleware
