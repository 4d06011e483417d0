package api

import (
	"time"

	"github.com/platinummonkey/portrait/pkg/model"
)

// UploadResponse is returned by PUT /v1/users/{id}/avatar
type UploadResponse struct {
	AssetURL      string   `json:"asset_url"`
	IsOriginal    bool     `json:"is_original"`
	Purged        int      `json:"purged"`
	PurgeFailures []string `json:"purge_failures"`
}

// CurrentResponse is returned by GET /v1/users/{id}/avatar
type CurrentResponse struct {
	UserID    string    `json:"user_id"`
	AssetURL  string    `json:"asset_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryResponse is returned by GET /v1/users/{id}/avatar/history
type HistoryResponse struct {
	UserID  string                `json:"user_id"`
	Active  *string               `json:"active_asset_url"`
	Records []model.HistoryRecord `json:"records"`
}

// CleanupRequest is the body of POST /v1/admin/storage/cleanup
type CleanupRequest struct {
	Password string `json:"password"`
}
