package instapaper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Service error codes.
const (
	CodeRateLimited      = 1040
	CodeBookmarkNotFound = 1241
	CodeFolderNotFound   = 1242
	CodeDuplicateFolder  = 1251
	CodeServiceError     = 1500
	CodeTextUnavailable  = 1550
)

// APIError is an error reported by the service.
type APIError struct {
	Status  int // HTTP status
	Code    int // service error code, 0 when the body carried none
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("instapaper API error %d (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("instapaper API error: HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err says the bookmark does not exist remotely.
func IsNotFound(err error) bool {
	return hasCode(err, CodeBookmarkNotFound)
}

// IsFolderNotFound reports whether err says the folder does not exist remotely.
func IsFolderNotFound(err error) bool {
	return hasCode(err, CodeFolderNotFound)
}

// IsDuplicate reports whether err says a folder with the same title exists.
func IsDuplicate(err error) bool {
	return hasCode(err, CodeDuplicateFolder)
}

// IsUnavailable reports whether err says the article text cannot be produced.
func IsUnavailable(err error) bool {
	return hasCode(err, CodeTextUnavailable)
}

func hasCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// parseError returns the error described by a response, or nil for a
// successful one. The service reports errors either with a non-2xx status or
// as an error document in a 200 response.
func parseError(status int, body []byte) *APIError {
	type errorDoc struct {
		Type    string `json:"type"`
		Code    int    `json:"error_code"`
		Message string `json:"message"`
	}

	var doc errorDoc
	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.HasPrefix(trimmed, []byte("[")):
		var docs []errorDoc
		if json.Unmarshal(trimmed, &docs) == nil && len(docs) > 0 {
			doc = docs[0]
		}
	case bytes.HasPrefix(trimmed, []byte("{")):
		json.Unmarshal(trimmed, &doc)
	}

	if doc.Type == "error" {
		if status < 300 {
			status = http.StatusBadRequest
		}
		return &APIError{Status: status, Code: doc.Code, Message: doc.Message}
	}
	if status < 200 || status >= 300 {
		msg := string(trimmed)
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{Status: status, Message: msg}
	}
	return nil
}
