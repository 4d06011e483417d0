package api

import (
	"net/http"

	"github.com/platinummonkey/portrait/pkg/avatar"
	"github.com/platinummonkey/portrait/pkg/httputil"
	"github.com/platinummonkey/portrait/pkg/middleware"
	"github.com/platinummonkey/portrait/pkg/model"
)

// uploadField is the multipart form field carrying the image
const uploadField = "avatar"

// targetUser resolves {id} and checks the caller may act on it. It writes
// the error response and returns false otherwise.
func (s *Server) targetUser(w http.ResponseWriter, r *http.Request) (middleware.Identity, string, bool) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return middleware.Identity{}, "", false
	}
	caller, ok := middleware.GetIdentity(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return middleware.Identity{}, "", false
	}
	if !caller.CanActOn(userID) {
		httputil.WriteForbidden(w, "cannot act on another user's avatar")
		return middleware.Identity{}, "", false
	}
	return caller, userID, true
}

func (s *Server) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	caller, userID, ok := s.targetUser(w, r)
	if !ok {
		return
	}

	data, err := httputil.ReadUpload(r, uploadField, s.maxUploadBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, model.E("api.uploadAvatar", model.ErrInvalidAsset, nil))
		return
	}

	result, err := s.avatars.Upload(r.Context(), avatar.UploadRequest{
		UserID:        userID,
		Data:          data,
		RequesterRole: caller.Role,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	failures := result.PurgeFailures
	if failures == nil {
		failures = []string{}
	}
	httputil.WriteJSON(w, http.StatusCreated, UploadResponse{
		AssetURL:      result.AssetURL,
		IsOriginal:    result.Record.IsOriginal,
		Purged:        result.Purged,
		PurgeFailures: failures,
	})
}

func (s *Server) detachAvatar(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.targetUser(w, r)
	if !ok {
		return
	}
	if err := s.avatars.Detach(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) currentAvatar(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.targetUser(w, r)
	if !ok {
		return
	}
	user, err := s.avatars.Current(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if user.Detached() {
		httputil.WriteErrorCode(w, http.StatusNotFound, "detached", "user has no active avatar")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CurrentResponse{
		UserID:    user.ID,
		AssetURL:  *user.ActiveAssetURL,
		UpdatedAt: user.UpdatedAt,
	})
}

func (s *Server) avatarHistory(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := s.targetUser(w, r)
	if !ok {
		return
	}
	records, err := s.avatars.History(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.avatars.Current(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []model.HistoryRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{
		UserID:  userID,
		Active:  user.ActiveAssetURL,
		Records: records,
	})
}
