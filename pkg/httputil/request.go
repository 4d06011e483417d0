package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/gorilla/mux"
)

// ErrBodyTooLarge is returned when a request body exceeds its limit
var ErrBodyTooLarge = errors.New("request body too large")

// ErrBadUpload is returned when a multipart upload is malformed or lacks
// the expected field
var ErrBadUpload = errors.New("malformed upload")

// multipartEnvelope is the allowance for part headers and other fields
const multipartEnvelope = 64 << 10

// ParseJSON decodes JSON from the request body into the destination.
// Unknown fields are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParsePathStringOrError extracts a string path parameter and writes error on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// ReadUpload returns the uploaded bytes, reading at most limit bytes. A
// multipart/form-data request contributes the named field; any other
// content type contributes the raw body.
func ReadUpload(r *http.Request, field string, limit int64) ([]byte, error) {
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readMultipartField(io.LimitReader(r.Body, limit+multipartEnvelope), params["boundary"], field, limit)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

func readMultipartField(body io.Reader, boundary, field string, limit int64) ([]byte, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart request missing boundary", ErrBadUpload)
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: multipart field %q not found", ErrBadUpload, field)
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrBodyTooLarge
			}
			return nil, fmt.Errorf("%w: %w", ErrBadUpload, err)
		}
		if part.FormName() != field {
			part.Close()
			continue
		}

		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(part, limit+1))
		part.Close()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrBodyTooLarge
			}
			return nil, fmt.Errorf("failed to read multipart field: %w", err)
		}
		if n > limit {
			return nil, ErrBodyTooLarge
		}
		return buf.Bytes(), nil
	}
}
