package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret")
}

func TestGetPostsBuildsQuery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/channels/c1/posts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("before"); got != "p3" {
			t.Errorf("expected before=p3, got %q", got)
		}
		if got := r.URL.Query().Get("per_page"); got != "30" {
			t.Errorf("expected per_page=30, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(posts.PostList{
			Order: []string{"p2", "p1"},
			Posts: map[string]*posts.Post{
				"p2": {ID: "p2", ChannelID: "c1", CreateAt: 200},
				"p1": {ID: "p1", ChannelID: "c1", CreateAt: 100},
			},
		})
	})

	list, err := c.GetPostsBefore(context.Background(), "c1", "p3", 0, 30)
	if err != nil {
		t.Fatalf("GetPostsBefore failed: %v", err)
	}
	if len(list.Order) != 2 || list.Posts["p2"].CreateAt != 200 {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestGetPostsSince(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "1700000000000" {
			t.Errorf("expected since query, got %q", got)
		}
		_, _ = w.Write([]byte(`{"order":[]}`))
	})
	list, err := c.GetPostsSince(context.Background(), "c1", 1700000000000)
	if err != nil {
		t.Fatalf("GetPostsSince failed: %v", err)
	}
	if list.Posts == nil {
		t.Fatal("expected empty posts map, got nil")
	}
}

func TestCreatePostSendsPendingID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v4/posts" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var in posts.Post
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		in.ID = "real1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(in)
	})

	created, err := c.CreatePost(context.Background(), &posts.Post{ID: "pend1", PendingPostID: "pend1", ChannelID: "c1", Message: "hi"})
	if err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}
	if created.ID != "real1" || created.PendingPostID != "pend1" {
		t.Fatalf("unexpected created post %+v", created)
	}
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"id":"app.post.get.app_error","message":"Unable to get the post.","status_code":404}`))
	})

	_, err := c.GetPost(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ID != "app.post.get.app_error" {
		t.Fatalf("expected APIError with server id, got %v", err)
	}
}

func TestServerErrorWithPlainBody(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	err := c.DeletePost(context.Background(), "p1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "boom" {
		t.Fatalf("expected 500 APIError, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("did not expect ErrNotFound")
	}
}

func TestGetMe(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"u1","username":"alice","email":"a@example.com"}`))
	})
	user, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe failed: %v", err)
	}
	if user.ID != "u1" || user.Username != "alice" {
		t.Fatalf("unexpected user %+v", user)
	}
}
