package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/portrait/pkg/httputil"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/observability"
)

type errorMapping struct {
	status int
	code   string
}

var errorMappings = map[error]errorMapping{
	model.ErrInvalidAsset:              {http.StatusUnprocessableEntity, "invalid_asset"},
	model.ErrRateLimited:               {http.StatusTooManyRequests, "rate_limited"},
	model.ErrUnauthorized:              {http.StatusUnauthorized, "unauthorized"},
	model.ErrStorageWriteFailed:        {http.StatusBadGateway, "storage_write_failed"},
	model.ErrStorageReadFailed:         {http.StatusBadGateway, "storage_read_failed"},
	model.ErrMetadataTransactionFailed: {http.StatusInternalServerError, "metadata_transaction_failed"},
	model.ErrNotFound:                  {http.StatusNotFound, "not_found"},
	model.ErrUnresolvedReferences:      {http.StatusConflict, "unresolved_references"},
}

// writeError is the single place service errors become HTTP responses.
// Server-side failures are logged and answered with the kind only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.Is(err, httputil.ErrBodyTooLarge) || errors.As(err, &maxErr) {
		httputil.WriteErrorCode(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit")
		return
	}
	if errors.Is(err, httputil.ErrBadUpload) {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "bad_upload", err.Error())
		return
	}

	kind := model.KindOf(err)
	m, ok := errorMappings[kind]
	if !ok {
		m = errorMapping{http.StatusInternalServerError, "internal"}
	}

	logger := observability.FromContextOr(r.Context(), s.logger).WithError(err).WithField("status", m.status)
	if m.status >= http.StatusInternalServerError {
		logger.Error("request failed")
		msg := "internal server error"
		if kind != nil {
			msg = kind.Error()
		}
		httputil.WriteErrorCode(w, m.status, m.code, msg)
		return
	}
	if kind == model.ErrUnauthorized {
		logger.Warn("cleanup authorization failed")
	}
	httputil.WriteErrorCode(w, m.status, m.code, err.Error())
}
