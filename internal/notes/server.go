package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	notesdb "github.com/nao1215/notehub/internal/notes/db"
	"github.com/nao1215/notehub/pkg/httpserver"
	"github.com/nao1215/notehub/pkg/middleware"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// defaultCategory はカテゴリ未指定時のカテゴリ。
const defaultCategory = "General"

// Server はnotesサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はクエリ実行オブジェクト。
	queries *notesdb.Queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// logger はロガー。
	logger *zap.Logger
	// identity はGatewayが伝播したユーザーIDを取り出す。
	identity middleware.IdentityExtractor
	// now は現在時刻を返す関数。
	now func() time.Time
}

// NewServer は新しいnotesサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションを行う。
func NewServer(ctx context.Context, cfg *Config, logger *zap.Logger) (*Server, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DatabasePath)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))

	s := newServer(router, sqlDB, cfg, logger)
	s.setupRoutes()
	return s, nil
}

// newServer は依存を受け取ってServerを組み立てる。ルーティングは設定しない。
func newServer(router *gin.Engine, sqlDB *sql.DB, cfg *Config, logger *zap.Logger) *Server {
	return &Server{
		router:   router,
		port:     cfg.Port,
		queries:  notesdb.New(sqlDB),
		db:       sqlDB,
		logger:   logger,
		identity: middleware.NewIdentityPropagation(cfg.IdentityAssertionSecret),
		now:      time.Now,
	}
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, fmt.Sprintf(":%s", s.port), s.router)
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	notes := s.router.Group("/api/notes")
	// ID確認は他のどの処理よりも先に行う
	notes.Use(middleware.RequireIdentity(s.identity, s.logger))
	{
		notes.POST("/create-note", s.handleCreate())
		notes.GET("/get-note", s.handleList())
		notes.GET("/:id", s.handleGetByID())
		notes.POST("/:id", s.handleUpdate())
		notes.DELETE("/:id", s.handleDelete())
		notes.POST("/:id/archive", s.handleToggleArchive())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notes"})
	})
}

// createNoteRequest はノート作成リクエストのJSON構造。
type createNoteRequest struct {
	// Title はタイトル。
	Title string `json:"title" binding:"max=100"`
	// Content は本文。
	Content string `json:"content"`
	// Category はカテゴリ。空の場合はGeneral。
	Category string `json:"category" binding:"max=50"`
	// Tags はタグ。
	Tags []string `json:"tags" binding:"max=20,dive,max=30"`
}

// updateNoteRequest はノート更新リクエストのJSON構造。空の項目は変更しない。
type updateNoteRequest struct {
	// Title はタイトル。
	Title string `json:"title" binding:"max=100"`
	// Content は本文。
	Content string `json:"content"`
	// Category はカテゴリ。
	Category string `json:"category" binding:"max=50"`
	// Tags はタグ。nilの場合は変更しない。
	Tags []string `json:"tags" binding:"max=20,dive,max=30"`
}

// noteResponse はノートのJSONレスポンス構造。
type noteResponse struct {
	// ID はノートの一意識別子。
	ID string `json:"id"`
	// User はノートを作成したユーザーのID。
	User string `json:"user"`
	// Title はタイトル。
	Title string `json:"title"`
	// Content は本文。
	Content string `json:"content"`
	// Tags はタグ。
	Tags []string `json:"tags"`
	// Category はカテゴリ。
	Category string `json:"category"`
	// IsArchived はアーカイブ済みかどうか。
	IsArchived bool `json:"isArchived"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"createdAt"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updatedAt"`
}

// toNoteResponse はDB行をJSONレスポンスに変換する。
func toNoteResponse(n notesdb.Note) noteResponse {
	tags := []string{}
	if err := json.Unmarshal([]byte(n.Tags), &tags); err != nil || tags == nil {
		tags = []string{}
	}
	return noteResponse{
		ID:         n.ID,
		User:       n.UserID,
		Title:      n.Title,
		Content:    n.Content,
		Tags:       tags,
		Category:   n.Category,
		IsArchived: n.IsArchived,
		CreatedAt:  formatMillis(n.CreatedAt),
		UpdatedAt:  formatMillis(n.UpdatedAt),
	}
}

// formatMillis はUNIXミリ秒をRFC 3339形式に変換する。
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// encodeTags はタグをJSON配列の文字列に変換する。前後の空白と空のタグは除く。
func encodeTags(tags []string) (string, error) {
	cleaned := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	b, err := json.Marshal(cleaned)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// respondError はエラーレスポンスを返す。
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// handleCreate はノート作成を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		var req createNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, middleware.BindingMessage(err))
			return
		}
		req.Title = strings.TrimSpace(req.Title)
		if req.Title == "" || req.Content == "" {
			respondError(c, http.StatusBadRequest, "Please include both a title and content for the note.")
			return
		}
		category := strings.TrimSpace(req.Category)
		if category == "" {
			category = defaultCategory
		}
		tags, err := encodeTags(req.Tags)
		if err != nil {
			respondError(c, http.StatusBadRequest, "\"tags\" is invalid")
			return
		}

		now := s.now().UnixMilli()
		note := notesdb.Note{
			ID:        uuid.New().String(),
			UserID:    userID,
			Title:     req.Title,
			Content:   req.Content,
			Tags:      tags,
			Category:  category,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.queries.CreateNote(c.Request.Context(), note); err != nil {
			s.logger.Error("ノートの作成に失敗", zap.String("user_id", userID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Server error while creating note.")
			return
		}

		s.logger.Info("ノートを作成しました", zap.String("user_id", userID), zap.String("note_id", note.ID))
		c.JSON(http.StatusCreated, gin.H{
			"success": true,
			"message": "Note created successfully.",
			"note":    toNoteResponse(note),
		})
	}
}

// handleList は呼び出したユーザーのノート一覧を新しい順に返すハンドラを返す。
// categoryとarchivedクエリで絞り込める。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		params := notesdb.ListNotesByUserParams{
			UserID:   userID,
			Category: strings.TrimSpace(c.Query("category")),
		}
		if v := c.Query("archived"); v != "" {
			archived, err := strconv.ParseBool(v)
			if err != nil {
				respondError(c, http.StatusBadRequest, "\"archived\" must be a boolean")
				return
			}
			params.Archived = sql.NullBool{Bool: archived, Valid: true}
		}

		notes, err := s.queries.ListNotesByUser(c.Request.Context(), params)
		if err != nil {
			s.logger.Error("ノート一覧の取得に失敗", zap.String("user_id", userID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Server error while fetching notes.")
			return
		}

		responses := make([]noteResponse, 0, len(notes))
		for _, n := range notes {
			responses = append(responses, toNoteResponse(n))
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"count":   len(responses),
			"notes":   responses,
		})
	}
}

// errNoteNotFound と errNoteForbidden はloadOwnedNoteが返すエラー。
var (
	errNoteNotFound  = errors.New("note not found")
	errNoteForbidden = errors.New("note belongs to another user")
)

// loadOwnedNote はIDのノートを取得し、呼び出したユーザーの所有であることを確認する。
// エラーの場合はレスポンスを書き込み済み。
func (s *Server) loadOwnedNote(c *gin.Context, action string) (notesdb.Note, error) {
	userID := middleware.GetUserID(c)
	noteID := c.Param("id")

	note, err := s.queries.GetNoteByID(c.Request.Context(), noteID)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(c, http.StatusNotFound, "Note not found.")
		return notesdb.Note{}, errNoteNotFound
	}
	if err != nil {
		s.logger.Error("ノートの取得に失敗", zap.String("note_id", noteID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Server error while fetching note.")
		return notesdb.Note{}, err
	}
	if note.UserID != userID {
		s.logger.Warn("他のユーザーのノートへのアクセス",
			zap.String("note_id", noteID),
			zap.String("user_id", userID),
			zap.String("action", action),
		)
		respondError(c, http.StatusForbidden, fmt.Sprintf("Not authorized to %s this note.", action))
		return notesdb.Note{}, errNoteForbidden
	}
	return note, nil
}

// handleGetByID はノート詳細取得を処理するハンドラを返す。
func (s *Server) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		note, err := s.loadOwnedNote(c, "view")
		if err != nil {
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "note": toNoteResponse(note)})
	}
}

// handleUpdate はノートの部分更新を処理するハンドラを返す。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, middleware.BindingMessage(err))
			return
		}

		note, err := s.loadOwnedNote(c, "update")
		if err != nil {
			return
		}

		if title := strings.TrimSpace(req.Title); title != "" {
			note.Title = title
		}
		if req.Content != "" {
			note.Content = req.Content
		}
		if category := strings.TrimSpace(req.Category); category != "" {
			note.Category = category
		}
		if req.Tags != nil {
			tags, err := encodeTags(req.Tags)
			if err != nil {
				respondError(c, http.StatusBadRequest, "\"tags\" is invalid")
				return
			}
			note.Tags = tags
		}
		note.UpdatedAt = s.now().UnixMilli()

		if err := s.queries.UpdateNote(c.Request.Context(), note); err != nil {
			s.logger.Error("ノートの更新に失敗", zap.String("note_id", note.ID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Server error while updating note.")
			return
		}

		s.logger.Info("ノートを更新しました", zap.String("note_id", note.ID))
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Note updated successfully.",
			"note":    toNoteResponse(note),
		})
	}
}

// handleDelete はノート削除を処理するハンドラを返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		note, err := s.loadOwnedNote(c, "delete")
		if err != nil {
			return
		}

		if err := s.queries.DeleteNote(c.Request.Context(), note.ID); err != nil {
			s.logger.Error("ノートの削除に失敗", zap.String("note_id", note.ID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Server error while deleting note.")
			return
		}

		s.logger.Info("ノートを削除しました", zap.String("note_id", note.ID))
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Note removed successfully."})
	}
}

// handleToggleArchive はノートのアーカイブ状態を切り替えるハンドラを返す。
func (s *Server) handleToggleArchive() gin.HandlerFunc {
	return func(c *gin.Context) {
		note, err := s.loadOwnedNote(c, "archive")
		if err != nil {
			return
		}

		note.IsArchived = !note.IsArchived
		note.UpdatedAt = s.now().UnixMilli()
		if err := s.queries.SetNoteArchived(c.Request.Context(), note.ID, note.IsArchived, note.UpdatedAt); err != nil {
			s.logger.Error("アーカイブ状態の更新に失敗", zap.String("note_id", note.ID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Server error while archiving note.")
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "note": toNoteResponse(note)})
	}
}
