// Package logging は全サービス共通の構造化ロガーを提供する。
//
// zapを用いてJSON形式（本番）またはコンソール形式（開発）のロガーを生成する。
package logging
