package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mattermost/mattermost-redux-sub001/internal/client"
	"github.com/mattermost/mattermost-redux-sub001/internal/export"
	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, posts.ErrPostNotFound), errors.Is(err, client.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, posts.ErrPendingPostExists):
		return http.StatusConflict, "PENDING_EXISTS", "A send with this id is already in flight", nil
	case errors.Is(err, posts.ErrMissingPostID):
		return http.StatusBadGateway, "INVALID_UPSTREAM_PAYLOAD", "Server returned a post without an id", nil
	case errors.Is(err, export.ErrEmptyChannel):
		return http.StatusNotFound, "EXPORT_EMPTY", "Channel has no loaded posts", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "EXPORT_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "EXPORT_TOO_LARGE", err.Error(), nil
	case errors.Is(err, export.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "EXPORT_STORAGE_UNAVAILABLE", "Object storage not configured", nil
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", apiErr.Message, map[string]any{"status": apiErr.StatusCode, "id": apiErr.ID}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
