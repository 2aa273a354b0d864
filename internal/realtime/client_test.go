package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestListenDeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/websocket" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		post, _ := json.Marshal(posts.Post{ID: "p1", ChannelID: "c1", Message: "hi"})
		_ = conn.WriteJSON(map[string]any{"event": EventHello, "seq": 0})
		_ = conn.WriteJSON(map[string]any{"status": "OK", "seq_reply": 1})
		_ = conn.WriteJSON(map[string]any{
			"event":     EventPosted,
			"seq":       1,
			"data":      map[string]any{"post": string(post), "channel_id": "c1"},
			"broadcast": map[string]any{"channel_id": "c1"},
		})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	var got []Event
	err := c.Listen(context.Background(), func(e Event) { got = append(got, e) })
	if err == nil {
		t.Fatal("expected Listen to end with the server's close")
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Event != EventHello || got[1].Event != EventPosted {
		t.Fatalf("unexpected events %+v", got)
	}
	post, err := got[1].Post()
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if post.ID != "p1" || post.Message != "hi" || got[1].ChannelID() != "c1" {
		t.Fatalf("unexpected post %+v", post)
	}
}

func TestCloseStopsListen(t *testing.T) {
	connected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"event": EventHello})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	done := make(chan error, 1)
	go func() {
		done <- c.Listen(context.Background(), func(e Event) {
			if e.Event == EventHello {
				close(connected)
			}
		})
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hello")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after Close")
	}

	if err := c.Send("user_typing", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Send, got %v", err)
	}
}

func TestEventDecoding(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"string payload", `{"event":"reaction_added","data":{"reaction":"{\"user_id\":\"u1\",\"post_id\":\"p1\",\"emoji_name\":\"smile\"}"}}`},
		{"object payload", `{"event":"reaction_added","data":{"reaction":{"user_id":"u1","post_id":"p1","emoji_name":"smile"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Event
			if err := json.Unmarshal([]byte(tt.raw), &e); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			r, err := e.Reaction()
			if err != nil {
				t.Fatalf("Reaction failed: %v", err)
			}
			if r.PostID != "p1" || r.EmojiName != "smile" {
				t.Fatalf("unexpected reaction %+v", r)
			}
		})
	}

	e := Event{Event: EventPosted, Broadcast: Broadcast{ChannelID: "c9"}}
	if _, err := e.Post(); err == nil {
		t.Fatal("expected error for missing post")
	}
	if e.ChannelID() != "c9" {
		t.Fatalf("expected broadcast channel, got %q", e.ChannelID())
	}
}

func TestNewBuildsWebSocketURL(t *testing.T) {
	if got := New("https://chat.example.com/", "").url; got != "wss://chat.example.com/api/v4/websocket" {
		t.Fatalf("unexpected url %s", got)
	}
	if got := New("http://localhost:8065", "").url; got != "ws://localhost:8065/api/v4/websocket" {
		t.Fatalf("unexpected url %s", got)
	}
}
