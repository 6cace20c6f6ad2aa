package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/gatekeeper/internal/middleware"
)

// Pinger はデータベース疎通確認のインターフェース。*sql.DB が満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler は稼働確認エンドポイントを提供する。
type HealthHandler struct {
	db      Pinger
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		timeout: 2 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Home はサービスの稼働を返す。
// GET /
func (h *HealthHandler) Home(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "Ghost Traders Bot funcionando",
		Timestamp: h.now().UTC(),
	})
}

// Health はデータベースに到達できる場合にhealthyを返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("ヘルスチェックでデータベースに到達できません", slog.String("error", err.Error()))
		middleware.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "unhealthy",
			Timestamp: h.now().UTC(),
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
	})
}
