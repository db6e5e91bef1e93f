package db

import (
	"context"
	"database/sql"
)

const noteColumns = `id, user_id, title, content, tags, category, is_archived, created_at, updated_at`

func scanNote(row interface{ Scan(...interface{}) error }) (Note, error) {
	var n Note
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Title,
		&n.Content,
		&n.Tags,
		&n.Category,
		&n.IsArchived,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	return n, err
}

const createNote = `
INSERT INTO notes (id, user_id, title, content, tags, category, is_archived, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
`

// CreateNote はノートを作成する。
func (q *Queries) CreateNote(ctx context.Context, arg Note) error {
	_, err := q.db.ExecContext(ctx, createNote,
		arg.ID,
		arg.UserID,
		arg.Title,
		arg.Content,
		arg.Tags,
		arg.Category,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return err
}

const getNoteByID = `SELECT ` + noteColumns + ` FROM notes WHERE id = ?`

// GetNoteByID はIDでノートを取得する。
func (q *Queries) GetNoteByID(ctx context.Context, id string) (Note, error) {
	return scanNote(q.db.QueryRowContext(ctx, getNoteByID, id))
}

const listNotesByUser = `SELECT ` + noteColumns + ` FROM notes
WHERE user_id = ?1
  AND (?2 = '' OR category = ?2)
  AND (?3 IS NULL OR is_archived = ?3)
ORDER BY created_at DESC, id DESC`

// ListNotesByUserParams はListNotesByUserの引数。
type ListNotesByUserParams struct {
	UserID string
	// Category が空の場合は全カテゴリを返す。
	Category string
	// Archived が無効値の場合はアーカイブ状態で絞り込まない。
	Archived sql.NullBool
}

// ListNotesByUser はユーザーのノートを新しい順に取得する。
func (q *Queries) ListNotesByUser(ctx context.Context, arg ListNotesByUserParams) ([]Note, error) {
	rows, err := q.db.QueryContext(ctx, listNotesByUser, arg.UserID, arg.Category, arg.Archived)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

const updateNote = `
UPDATE notes SET title = ?, content = ?, tags = ?, category = ?, updated_at = ?
WHERE id = ?
`

// UpdateNote はノートの内容を更新する。
func (q *Queries) UpdateNote(ctx context.Context, arg Note) error {
	_, err := q.db.ExecContext(ctx, updateNote,
		arg.Title,
		arg.Content,
		arg.Tags,
		arg.Category,
		arg.UpdatedAt,
		arg.ID,
	)
	return err
}

const setNoteArchived = `UPDATE notes SET is_archived = ?, updated_at = ? WHERE id = ?`

// SetNoteArchived はノートのアーカイブ状態を更新する。
func (q *Queries) SetNoteArchived(ctx context.Context, id string, archived bool, updatedAt int64) error {
	_, err := q.db.ExecContext(ctx, setNoteArchived, archived, updatedAt, id)
	return err
}

const deleteNote = `DELETE FROM notes WHERE id = ?`

// DeleteNote はノートを削除する。
func (q *Queries) DeleteNote(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deleteNote, id)
	return err
}
