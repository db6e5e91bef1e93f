package db

// Note はnotesテーブルの1行。Tagsは JSON配列の文字列、時刻はUNIXミリ秒。
type Note struct {
	ID         string
	UserID     string
	Title      string
	Content    string
	Tags       string
	Category   string
	IsArchived bool
	CreatedAt  int64
	UpdatedAt  int64
}
