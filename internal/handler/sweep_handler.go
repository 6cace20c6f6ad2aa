package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/middleware"
	"github.com/hitoshi/gatekeeper/internal/model"
)

// SweepRunner は期限切れスイープを1回実行する。*sweep.Sweeper が満たす。
type SweepRunner interface {
	RunOnce(ctx context.Context) (membership.SweepResult, error)
}

// SweepHandler は外部スケジューラからのスイープ要求を処理する。
type SweepHandler struct {
	runner SweepRunner
	token  string
	logger *slog.Logger
}

// NewSweepHandler はSweepHandlerを生成する。tokenが空の場合は認証しない。
func NewSweepHandler(runner SweepRunner, token string, logger *slog.Logger) *SweepHandler {
	return &SweepHandler{runner: runner, token: token, logger: logger}
}

type sweepResponse struct {
	Status  string `json:"status"`
	Removed int    `json:"removed"`
	Failed  int    `json:"failed,omitempty"`
}

// ServeHTTP はスイープを実行し、期限切れにした件数を返す。
// GET /check_memberships
func (h *SweepHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	res, err := h.runner.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("スイープに失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, sweepResponse{
		Status:  "checked",
		Removed: len(res.Expired),
		Failed:  len(res.Failed),
	})
}

func (h *SweepHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
