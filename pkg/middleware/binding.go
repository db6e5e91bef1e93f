package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// BindingMessage はShouldBindJSONのエラーをクライアント向けのメッセージに変換する。
// 最初の検証エラーのみを報告し、内部の型情報は含めない。
func BindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request body."
	}

	fe := verrs[0]
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%q is required", field)
	case "email":
		return fmt.Sprintf("%q must be a valid email", field)
	case "min":
		return fmt.Sprintf("%q length must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%q length must be less than or equal to %s characters long", field, fe.Param())
	default:
		return fmt.Sprintf("%q is invalid", field)
	}
}

// lowerFirst は先頭の文字を小文字にする。構造体フィールド名をJSONのキー名に近づける。
func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// NormalizeEmail はメールアドレスの前後の空白を除いて小文字にする。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
