// Package handler は運用系HTTPエンドポイントを提供する。
// ヘルスチェック、メトリクス公開、ダイジェストパスの手動起動のみを扱い、
// エンドユーザー向けのAPIは持たない。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kenta/digestman/internal/middleware"
)

// healthCheckTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthCheckTimeout = 5 * time.Second

// DigestRunner はダイジェストパスの手動起動インターフェース。
type DigestRunner interface {
	RunOnce(ctx context.Context) error
}

// Pinger はDB疎通確認のインターフェース。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	DB      Pinger
	Metrics http.Handler
	Runner  DigestRunner
	Logger  *slog.Logger
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	h := &opsHandler{
		db:     deps.DB,
		runner: deps.Runner,
		logger: deps.Logger,
	}

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", deps.Metrics)
	r.Post("/digest/run", h.RunDigest)

	return r
}

// opsHandler は運用エンドポイントのハンドラ実装。
type opsHandler struct {
	db      Pinger
	runner  DigestRunner
	logger  *slog.Logger
	running atomic.Bool
}

// Health はDB疎通を確認してサービスの健全性を返す。
func (h *opsHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("ヘルスチェックに失敗しました",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunDigest はダイジェストパスを非同期に起動して202を返す。
// パスはリクエストのライフサイクルから切り離して実行する。
// 既にパスが実行中の場合は409を返して多重起動を防ぐ。
func (h *opsHandler) RunDigest(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
		return
	}

	go func() {
		defer h.running.Store(false)

		if err := h.runner.RunOnce(context.Background()); err != nil {
			h.logger.Error("手動起動したダイジェストパスが失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
