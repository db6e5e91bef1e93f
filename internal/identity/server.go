package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	identitydb "github.com/nao1215/notehub/internal/identity/db"
	"github.com/nao1215/notehub/pkg/httpserver"
	"github.com/nao1215/notehub/pkg/middleware"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// refreshCookieName はリフレッシュトークンを運ぶCookie名。
	refreshCookieName = "jwt"
	// refreshCookieMaxAge はリフレッシュトークンCookieの有効期間（秒）。
	refreshCookieMaxAge = 24 * 60 * 60
	// minPasswordLength はパスワードの最小長。
	minPasswordLength = 6
	// tokenPurgeInterval は期限切れリフレッシュトークンを削除する間隔。
	tokenPurgeInterval = time.Hour
)

// Server はidentityサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はクエリ実行オブジェクト。
	queries *identitydb.Queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// logger はロガー。
	logger *zap.Logger
	// accessTokenSecret はアクセストークンの署名用シークレット。
	accessTokenSecret string
	// identity はGatewayが伝播したユーザーIDを取り出す。
	identity middleware.IdentityExtractor
	// mailer はパスワードリセットメールの送信に使う。
	mailer Mailer
	// resetURLBase はパスワードリセットリンクのベースURL。
	resetURLBase string
	// secureCookie はCookieにSecure属性を付けるかどうか。
	secureCookie bool
	// now は現在時刻を返す関数。
	now func() time.Time
}

// NewServer は新しいidentityサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションを行う。
func NewServer(ctx context.Context, cfg *Config, logger *zap.Logger) (*Server, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.DatabasePath)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	var mailer Mailer = NewLogMailer(logger)
	if cfg.SMTP.Host != "" {
		mailer = NewSMTPMailer(cfg.SMTP)
	} else {
		logger.Warn("MAIL_HOSTが未設定のため、メールはログに出力されます")
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))

	s := newServer(router, sqlDB, cfg, mailer, logger)
	s.setupRoutes()
	return s, nil
}

// newServer は依存を受け取ってServerを組み立てる。ルーティングは設定しない。
func newServer(router *gin.Engine, sqlDB *sql.DB, cfg *Config, mailer Mailer, logger *zap.Logger) *Server {
	return &Server{
		router:            router,
		port:              cfg.Port,
		queries:           identitydb.New(sqlDB),
		db:                sqlDB,
		logger:            logger,
		accessTokenSecret: cfg.AccessTokenSecret,
		identity:          middleware.NewIdentityPropagation(cfg.IdentityAssertionSecret),
		mailer:            mailer,
		resetURLBase:      strings.TrimSuffix(cfg.ResetURLBase, "/"),
		secureCookie:      cfg.SecureCookie,
		now:               time.Now,
	}
}

// Run はHTTPサーバーを起動する。期限切れリフレッシュトークンの定期削除も行う。
func (s *Server) Run(ctx context.Context) error {
	go s.purgeExpiredTokensLoop(ctx)
	return httpserver.Serve(ctx, fmt.Sprintf(":%s", s.port), s.router)
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/api/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh-token", s.handleRefreshToken())
		auth.POST("/logout", s.handleLogout())
		auth.POST("/forgotPassword", s.handleForgotPassword())
		auth.POST("/resetPassword/:resettoken", s.handleResetPassword())
		// Gatewayが伝播したユーザーIDが必要
		auth.GET("/getProfile", middleware.RequireIdentity(s.identity, s.logger), s.handleGetProfile())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "identity"})
	})
}

// purgeExpiredTokensLoop は期限切れのリフレッシュトークンを定期的に削除する。
func (s *Server) purgeExpiredTokensLoop(ctx context.Context) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.queries.DeleteExpiredRefreshTokens(ctx, s.now().UnixMilli())
			if err != nil {
				s.logger.Error("期限切れリフレッシュトークンの削除に失敗", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("期限切れリフレッシュトークンを削除しました", zap.Int64("count", n))
			}
		}
	}
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Username はユーザー名。
	Username string `json:"username" binding:"required,min=3,max=50"`
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。
	Password string `json:"password" binding:"required,min=6"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。
	Password string `json:"password" binding:"required"`
}

// refreshTokenRequest はトークン更新・ログアウトリクエストのJSON構造。
// ボディに無い場合はCookieのリフレッシュトークンを使う。
type refreshTokenRequest struct {
	// RefreshToken はリフレッシュトークン。
	RefreshToken string `json:"refreshToken"`
}

// forgotPasswordRequest はパスワードリセット要求のJSON構造。
type forgotPasswordRequest struct {
	// Email はメールアドレス。
	Email string `json:"email"`
}

// resetPasswordRequest はパスワードリセットのJSON構造。
type resetPasswordRequest struct {
	// NewPassword は新しいパスワード。
	NewPassword string `json:"newPassword"`
	// ConfirmPassword は確認用のパスワード。
	ConfirmPassword string `json:"confirmPassword"`
}

// respondError はエラーレスポンスを返す。
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// respondInternalError は内部エラーをログに出力し、汎用メッセージを返す。
func (s *Server) respondInternalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, zap.Error(err), zap.String("path", c.Request.URL.Path))
	respondError(c, http.StatusInternalServerError, "Internal server error.")
}

// handleRegister はユーザー登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.logger.Warn("登録リクエストの検証に失敗", zap.Error(err))
			respondError(c, http.StatusBadRequest, middleware.BindingMessage(err))
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		req.Email = middleware.NormalizeEmail(req.Email)

		ctx := c.Request.Context()
		n, err := s.queries.CountUsersByUsernameOrEmail(ctx, req.Username, req.Email)
		if err != nil {
			s.respondInternalError(c, "ユーザーの重複確認に失敗", err)
			return
		}
		if n > 0 {
			s.logger.Warn("既に登録されているユーザー", zap.String("username", req.Username))
			respondError(c, http.StatusBadRequest, "User already exists.")
			return
		}

		passwordHash, err := hashPassword(req.Password)
		if err != nil {
			s.respondInternalError(c, "パスワードのハッシュ化に失敗", err)
			return
		}

		user := identitydb.User{
			ID:           uuid.New().String(),
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: passwordHash,
			CreatedAt:    s.now().UnixMilli(),
		}
		if err := s.queries.CreateUser(ctx, identitydb.CreateUserParams{
			ID:           user.ID,
			Username:     user.Username,
			Email:        user.Email,
			PasswordHash: user.PasswordHash,
			CreatedAt:    user.CreatedAt,
		}); err != nil {
			// 重複確認と登録の間に同じユーザーが登録された場合
			if isUniqueViolation(err) {
				respondError(c, http.StatusBadRequest, "User already exists.")
				return
			}
			s.respondInternalError(c, "ユーザーの登録に失敗", err)
			return
		}

		tokens, err := s.issueTokens(ctx, s.queries, user)
		if err != nil {
			s.respondInternalError(c, "トークンの発行に失敗", err)
			return
		}

		s.logger.Info("ユーザーを登録しました", zap.String("user_id", user.ID))
		c.JSON(http.StatusCreated, gin.H{
			"success":      true,
			"message":      "User registered successfully.",
			"accessToken":  tokens.AccessToken,
			"refreshToken": tokens.RefreshToken,
		})
	}
}

// handleLogin はログインを処理するハンドラを返す。
// リフレッシュトークンはボディに加えてhttpOnly Cookieでも返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, middleware.BindingMessage(err))
			return
		}

		ctx := c.Request.Context()
		user, err := s.queries.GetUserByEmail(ctx, middleware.NormalizeEmail(req.Email))
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("ログイン失敗: ユーザーが存在しません")
			respondError(c, http.StatusBadRequest, "Invalid Credentials.")
			return
		}
		if err != nil {
			s.respondInternalError(c, "ユーザーの取得に失敗", err)
			return
		}

		ok, err := verifyPassword(user.PasswordHash, req.Password)
		if err != nil {
			s.respondInternalError(c, "パスワードの検証に失敗", err)
			return
		}
		if !ok {
			s.logger.Warn("ログイン失敗: パスワードが一致しません", zap.String("user_id", user.ID))
			respondError(c, http.StatusBadRequest, "Invalid Credentials.")
			return
		}

		tokens, err := s.issueTokens(ctx, s.queries, user)
		if err != nil {
			s.respondInternalError(c, "トークンの発行に失敗", err)
			return
		}

		s.setRefreshCookie(c, tokens.RefreshToken)
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"message":      "User logged in successfully.",
			"accessToken":  tokens.AccessToken,
			"refreshToken": tokens.RefreshToken,
		})
	}
}

// handleRefreshToken はリフレッシュトークンをローテーションし、新しいアクセストークンを返すハンドラを返す。
// 使用済みのリフレッシュトークンは削除され、再利用できない。
func (s *Server) handleRefreshToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.refreshTokenFrom(c)
		if token == "" {
			respondError(c, http.StatusBadRequest, "Refresh token is required.")
			return
		}

		ctx := c.Request.Context()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.respondInternalError(c, "トランザクション開始に失敗", err)
			return
		}
		defer tx.Rollback() //nolint:errcheck
		q := s.queries.WithTx(tx)

		// 取得と削除を1文で行い、同じトークンでの二重ローテーションを防ぐ
		userID, err := q.ClaimRefreshToken(ctx, hashToken(token), s.now().UnixMilli())
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("無効、期限切れ、または使用済みのリフレッシュトークン")
			respondError(c, http.StatusBadRequest, "Invalid or expired refresh token.")
			return
		}
		if err != nil {
			s.respondInternalError(c, "リフレッシュトークンの取得に失敗", err)
			return
		}

		user, err := q.GetUserByID(ctx, userID)
		if err != nil {
			s.respondInternalError(c, "ユーザーの取得に失敗", err)
			return
		}

		tokens, err := s.issueTokens(ctx, q, user)
		if err != nil {
			s.respondInternalError(c, "トークンの発行に失敗", err)
			return
		}
		if err := tx.Commit(); err != nil {
			s.respondInternalError(c, "トランザクションのコミットに失敗", err)
			return
		}

		s.setRefreshCookie(c, tokens.RefreshToken)
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"message":      "Token refreshed successfully.",
			"accessToken":  tokens.AccessToken,
			"refreshToken": tokens.RefreshToken,
		})
	}
}

// handleLogout はリフレッシュトークンを失効させるハンドラを返す。
// 既に失効したトークンでも成功を返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.refreshTokenFrom(c)
		if token == "" {
			respondError(c, http.StatusBadRequest, "Refresh token is required.")
			return
		}

		if _, err := s.queries.DeleteRefreshToken(c.Request.Context(), hashToken(token)); err != nil {
			s.respondInternalError(c, "リフレッシュトークンの削除に失敗", err)
			return
		}

		s.clearRefreshCookie(c)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Logged out successfully.",
		})
	}
}

// handleGetProfile は伝播されたユーザーIDのプロフィールを返すハンドラを返す。
func (s *Server) handleGetProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		user, err := s.queries.GetUserByID(c.Request.Context(), userID)
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, http.StatusBadRequest, "User not found.")
			return
		}
		if err != nil {
			s.respondInternalError(c, "ユーザーの取得に失敗", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "User Profile fetched successfully.",
			"user": gin.H{
				"userId":    user.ID,
				"userName":  user.Username,
				"userEmail": user.Email,
				"createdAt": time.UnixMilli(user.CreatedAt).UTC().Format(time.RFC3339),
			},
		})
	}
}

// handleForgotPassword はパスワードリセットリンクをメールで送るハンドラを返す。
// 登録されていないメールアドレスでも同じ成功レスポンスを返し、登録の有無を明かさない。
func (s *Server) handleForgotPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req forgotPasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
			s.logger.Warn("メールアドレス無しでパスワードリセットが要求されました")
			respondError(c, http.StatusBadRequest, "Please provide an email address.")
			return
		}

		ctx := c.Request.Context()
		user, err := s.queries.GetUserByEmail(ctx, middleware.NormalizeEmail(req.Email))
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("未登録のメールアドレスでパスワードリセットが要求されました")
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"message": "If the email address is registered, a password reset link will be sent to it.",
			})
			return
		}
		if err != nil {
			s.respondInternalError(c, "ユーザーの取得に失敗", err)
			return
		}

		resetToken, err := randomToken(resetTokenBytes)
		if err != nil {
			s.respondInternalError(c, "リセットトークンの生成に失敗", err)
			return
		}
		now := s.now()
		if err := s.queries.SetResetToken(ctx, identitydb.SetResetTokenParams{
			ID:        user.ID,
			TokenHash: hashToken(resetToken),
			ExpiresAt: now.Add(resetTokenTTL).UnixMilli(),
			UpdatedAt: now.UnixMilli(),
		}); err != nil {
			s.respondInternalError(c, "リセットトークンの保存に失敗", err)
			return
		}

		resetURL := s.resetURLBase + "/" + resetToken
		if err := s.mailer.Send(ctx, Mail{
			To:      user.Email,
			Subject: "Password Reset Request",
			Text: "You are receiving this email because you requested a password reset. " +
				"Please click on the link below to reset your password.\n\n" + resetURL,
		}); err != nil {
			// 送信できなかったトークンは無効にする
			if clearErr := s.queries.ClearResetToken(ctx, user.ID, s.now().UnixMilli()); clearErr != nil {
				s.logger.Error("リセットトークンの削除に失敗", zap.Error(clearErr))
			}
			s.logger.Error("パスワードリセットメールの送信に失敗", zap.String("user_id", user.ID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "Server error: Email could not be sent. Try again later.")
			return
		}

		s.logger.Info("パスワードリセットメールを送信しました", zap.String("user_id", user.ID))
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Password reset link sent to your email.",
		})
	}
}

// handleResetPassword はリセットトークンを検証してパスワードを更新するハンドラを返す。
// 更新後は既存のリフレッシュトークンをすべて失効させる。
func (s *Server) handleResetPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetPasswordRequest
		_ = c.ShouldBindJSON(&req)
		if req.NewPassword == "" || req.ConfirmPassword == "" {
			respondError(c, http.StatusBadRequest, "Please provide both new and confirmation password.")
			return
		}
		if req.NewPassword != req.ConfirmPassword {
			respondError(c, http.StatusBadRequest, "Passwords do not match.")
			return
		}
		if len(req.NewPassword) < minPasswordLength {
			respondError(c, http.StatusBadRequest,
				fmt.Sprintf("%q length must be at least %d characters long", "newPassword", minPasswordLength))
			return
		}

		ctx := c.Request.Context()
		now := s.now()
		user, err := s.queries.GetUserByResetToken(ctx, hashToken(c.Param("resettoken")), now.UnixMilli())
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("無効または期限切れのリセットトークン")
			respondError(c, http.StatusBadRequest, "Invalid or expired password reset token.")
			return
		}
		if err != nil {
			s.respondInternalError(c, "ユーザーの取得に失敗", err)
			return
		}

		passwordHash, err := hashPassword(req.NewPassword)
		if err != nil {
			s.respondInternalError(c, "パスワードのハッシュ化に失敗", err)
			return
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.respondInternalError(c, "トランザクション開始に失敗", err)
			return
		}
		defer tx.Rollback() //nolint:errcheck
		q := s.queries.WithTx(tx)

		if err := q.ResetPassword(ctx, user.ID, passwordHash, now.UnixMilli()); err != nil {
			s.respondInternalError(c, "パスワードの更新に失敗", err)
			return
		}
		if err := q.DeleteRefreshTokensByUser(ctx, user.ID); err != nil {
			s.respondInternalError(c, "リフレッシュトークンの失効に失敗", err)
			return
		}
		if err := tx.Commit(); err != nil {
			s.respondInternalError(c, "トランザクションのコミットに失敗", err)
			return
		}

		s.logger.Info("パスワードをリセットしました", zap.String("user_id", user.ID))
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Password successfully reset.",
		})
	}
}

// refreshTokenFrom はボディまたはCookieからリフレッシュトークンを取り出す。
func (s *Server) refreshTokenFrom(c *gin.Context) string {
	var req refreshTokenRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	if cookie, err := c.Cookie(refreshCookieName); err == nil {
		return cookie
	}
	return ""
}

// setRefreshCookie はリフレッシュトークンをhttpOnly Cookieに設定する。
func (s *Server) setRefreshCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, token, refreshCookieMaxAge, "/", "", s.secureCookie, true)
}

// clearRefreshCookie はリフレッシュトークンCookieを削除する。
func (s *Server) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, "", -1, "/", "", s.secureCookie, true)
}

// isUniqueViolation は一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT
}
