// Package httputil holds JSON response helpers, request parsing and the
// generic HTTP middleware shared by the portrait servers.
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
//
// ReadUpload accepts either a raw image body or a multipart form field:
//
//	data, err := httputil.ReadUpload(r, "avatar", maxBytes)
package httputil
