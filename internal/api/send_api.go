package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-pwa-push/internal/pipeline"
	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// Sender delivers a notification and reports per-token outcomes.
type Sender interface {
	Send(ctx context.Context, req push.SendRequest) (push.SendSummary, error)
}

type SendAPI struct {
	Sender Sender
	Logger *slog.Logger
}

func NewSendAPI(sender Sender, logger *slog.Logger) *SendAPI {
	return &SendAPI{
		Sender: sender,
		Logger: logger.With("component", "SendAPI"),
	}
}

type SendResponse struct {
	Success bool             `json:"success"`
	Summary push.SendSummary `json:"summary"`
}

// Send handles POST /api/v1/notifications. Only authenticated operators may
// send. Partial delivery still answers 200 with the summary.
func (api *SendAPI) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req push.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	summary, err := api.Sender.Send(ctx, req)
	if err != nil && !errors.Is(err, pipeline.ErrPartialDelivery) && !errors.Is(err, push.ErrPayloadRejected) {
		api.Logger.Error("send failed", "operator", operator, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "send failed")
		return
	}
	if err != nil {
		api.Logger.Warn("send completed with failures", "operator", operator, "err", err)
	}
	api.Logger.Info("notification sent", "operator", operator, "total", summary.Total, "success", summary.Success)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(SendResponse{Success: err == nil, Summary: summary})
}
