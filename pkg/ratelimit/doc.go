// Package ratelimit はgatewayの全インスタンスで共有するカウンターストアを用いた
// 分散レート制限を提供する。
//
// アルゴリズムは固定ウィンドウ方式で、ウィンドウはUnixエポックに揃えられる。
// ウィンドウ境界をまたぐと最大で上限の2倍までのリクエストを許可し得るが、
// 粗い不正利用対策としては許容できる近似であり、スライディングウィンドウへの
// 置き換えは行わない。
//
// カウンターの更新は Counter.IncrementAndGet による単一のアトミック操作で行い、
// 読み取りと書き込みを分けない。gateway自身は状態を持たない。
package ratelimit
