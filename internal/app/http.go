package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattermost/mattermost-redux-sub001/internal/export"
	"github.com/mattermost/mattermost-redux-sub001/internal/metrics"
	"github.com/mattermost/mattermost-redux-sub001/internal/postlist"
	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
	"github.com/mattermost/mattermost-redux-sub001/internal/search"
	"github.com/mattermost/mattermost-redux-sub001/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
}

func NewHTTPServer(service *Service, corsOrigin string, m *metrics.Metrics) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: m}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/selected-post" {
		var body struct {
			PostID string `json:"postId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.service.SelectPost(body.PostID)
		writeJSON(w, http.StatusOK, map[string]any{"selectedPostId": body.PostID})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "threads" && r.Method == http.MethodGet {
		s.handleThread(w, r, parts[2])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "posts" {
		s.handlePosts(w, r, parts[2], parts[3:])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "channels" {
		s.handleChannel(w, r, parts[2], parts[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.service.CurrentUser() == nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["session"] = map[string]any{"status": "error", "error": "current user unknown"}
	} else {
		checks["session"] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleChannel(w http.ResponseWriter, r *http.Request, channelID, action string) {
	switch {
	case action == "postlist" && r.Method == http.MethodGet:
		query := r.URL.Query()
		lastViewedAt, err := parseInt64(query.Get("lastViewedAt"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "lastViewedAt must be a number", nil)
			return
		}
		indicate := query.Get("indicateNewMessages") == "true"
		items := s.service.PostList(channelID, lastViewedAt, indicate)
		writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "items": s.itemViews(items)})

	case action == "blocks" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "blocks": s.service.Blocks(channelID)})

	case action == "load" && r.Method == http.MethodPost:
		s.handleLoad(w, r, channelID)

	case action == "posts" && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
			RootID  string `json:"rootId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		post, err := s.service.SendPost(r.Context(), channelID, body.RootID, body.Message)
		if err != nil {
			writeSendError(w, post, err)
			return
		}
		writeJSON(w, http.StatusCreated, post)

	case action == "export" && r.Method == http.MethodPost:
		s.handleExport(w, r, channelID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLoad(w http.ResponseWriter, r *http.Request, channelID string) {
	query := r.URL.Query()
	mode := query.Get("mode")
	postID := query.Get("postId")
	var err error
	switch mode {
	case "", "latest":
		err = s.service.LoadLatest(r.Context(), channelID)
	case "before", "after":
		if postID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "postId is required", nil)
			return
		}
		if mode == "before" {
			err = s.service.LoadBefore(r.Context(), channelID, postID)
		} else {
			err = s.service.LoadAfter(r.Context(), channelID, postID)
		}
	case "since":
		since, parseErr := parseInt64(query.Get("since"))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "since must be a number", nil)
			return
		}
		err = s.service.LoadSince(r.Context(), channelID, since)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_MODE", "mode must be latest, before, after or since", nil)
		return
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "blocks": s.service.Blocks(channelID)})
}

func (s *HTTPServer) handleThread(w http.ResponseWriter, r *http.Request, rootID string) {
	if r.URL.Query().Get("refresh") == "true" || len(s.service.Posts().ThreadPostIDs(rootID)) == 0 {
		if err := s.service.LoadThread(r.Context(), rootID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rootId": rootID, "items": s.itemViews(s.service.ThreadList(rootID))})
}

func (s *HTTPServer) handlePosts(w http.ResponseWriter, r *http.Request, postID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		post, err := s.service.GetPost(r.Context(), postID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, post)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeletePost(r.Context(), postID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "retry" && r.Method == http.MethodPost:
		post, err := s.service.RetryPost(r.Context(), postID)
		if err != nil {
			writeSendError(w, post, err)
			return
		}
		writeJSON(w, http.StatusCreated, post)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:      text,
		ChannelID: query.Get("channelId"),
		Limit:     limit,
		Offset:    offset,
	}))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, channelID string) {
	var body struct {
		Format         string `json:"format"`
		IncludeReplies bool   `json:"includeReplies"`
		Upload         bool   `json:"upload"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.ExportChannel(r.Context(), export.Request{
		ChannelID:      channelID,
		Format:         export.Format(body.Format),
		IncludeReplies: body.IncludeReplies,
		Upload:         body.Upload,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if body.Upload {
		writeJSON(w, http.StatusCreated, map[string]any{
			"objectKey": result.ObjectKey,
			"filename":  result.Filename,
			"size":      len(result.Data),
		})
		return
	}

	// Return as downloadable file
	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) itemViews(items []postlist.Item) []map[string]any {
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		view := map[string]any{"id": item.ID()}
		switch v := item.(type) {
		case postlist.PostItem:
			view["type"] = "post"
			if post, ok := s.service.Posts().Post(v.PostID); ok {
				view["post"] = post
			}
		case postlist.DateSeparator:
			view["type"] = "date"
			view["date"] = v.Date.Format("2006-01-02")
		case postlist.NewMessagesLine:
			view["type"] = "new_messages"
		case postlist.CombinedActivity:
			view["type"] = "combined_user_activity"
			view["postIds"] = v.PostIDs
		}
		views = append(views, view)
	}
	return views
}

// writeSendError reports a failed send together with the pending id so the
// caller can retry it.
func writeSendError(w http.ResponseWriter, pending *posts.Post, err error) {
	status, code, message, details := mapError(err)
	if pending != nil {
		merged, ok := details.(map[string]any)
		if !ok {
			merged = map[string]any{}
		}
		merged["pendingPost"] = pending
		details = merged
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.ObserveRequest(r.Method, writer.status, elapsed)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
