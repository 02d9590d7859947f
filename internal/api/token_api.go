package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// TokenAPI exposes the Remote Token Store to devices.
type TokenAPI struct {
	Store  push.TokenStore
	Logger *slog.Logger
}

func NewTokenAPI(store push.TokenStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:  store,
		Logger: logger.With("component", "TokenAPI"),
	}
}

// UpsertToken handles PUT /api/v1/tokens. The body is a token row.
func (api *TokenAPI) UpsertToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rec push.TokenRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec.Token = strings.TrimSpace(rec.Token)
	rec.DeviceID = strings.TrimSpace(rec.DeviceID)
	if rec.Token == "" || rec.DeviceID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "fcm_token and device_id are required")
		return
	}
	if !knownDeviceType(rec.DeviceType) {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown device_type")
		return
	}
	// An authenticated caller names the row when the device did not.
	if user, ok := middleware.GetUserHandleFromContext(ctx); ok && strings.TrimSpace(rec.UserEmail) == "" {
		rec.UserEmail = user
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if err := api.Store.Upsert(ctx, rec); err != nil {
		api.Logger.Error("failed to upsert token", "device_id", rec.DeviceID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type PruneRequest struct {
	KeepToken string `json:"keep_token"`
}

// PruneDevice handles POST /api/v1/devices/{deviceID}/prune, removing every
// row of the device except the one holding keep_token. An unauthenticated
// caller can only remove anonymous rows.
func (api *TokenAPI) PruneDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := r.PathValue("deviceID")
	if deviceID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing device id")
		return
	}

	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// Without a token to keep this would wipe the device.
	if strings.TrimSpace(req.KeepToken) == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing keep_token")
		return
	}

	if user, ok := middleware.GetUserHandleFromContext(ctx); ok {
		if err := api.Store.DeleteDeviceTokensExcept(ctx, deviceID, req.KeepToken); err != nil {
			api.Logger.Error("failed to prune device tokens", "device_id", deviceID, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
		api.Logger.Debug("Pruned device tokens", "device_id", deviceID, "user", user)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rows, err := api.Store.ListTokens(ctx, "")
	if err != nil {
		api.Logger.Error("failed to list tokens for prune", "device_id", deviceID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	var stale []string
	for _, row := range rows {
		if row.DeviceID == deviceID && row.Token != req.KeepToken && row.Normalize().UserEmail == push.AnonymousUser {
			stale = append(stale, row.Token)
		}
	}
	if len(stale) > 0 {
		if err := api.Store.DeleteTokens(ctx, stale); err != nil {
			api.Logger.Error("failed to prune device tokens", "device_id", deviceID, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterRequest struct {
	Token string `json:"fcm_token"`
}

// UnregisterToken handles DELETE /api/v1/tokens. It requires an authenticated caller.
func (api *TokenAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing fcm_token")
		return
	}

	if err := api.Store.DeleteTokens(ctx, []string{req.Token}); err != nil {
		// Unregister stays idempotent from the caller's view.
		api.Logger.Warn("failed to unregister token", "user", user, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func knownDeviceType(t string) bool {
	switch t {
	case "", push.DeviceTypeWeb, push.DeviceTypeIOS, push.DeviceTypeWebPush:
		return true
	}
	return false
}
