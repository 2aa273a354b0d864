// Package client talks to the messaging server's REST API on behalf of one
// user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattermost/mattermost-redux-sub001/internal/postlist"
	"github.com/mattermost/mattermost-redux-sub001/internal/preferences"
	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

const apiPrefix = "/api/v4"

var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.ID, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) GetMe(ctx context.Context) (*postlist.User, error) {
	var user postlist.User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &user); err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	return &user, nil
}

func (c *Client) GetMyPreferences(ctx context.Context) ([]preferences.Preference, error) {
	var prefs []preferences.Preference
	if err := c.do(ctx, http.MethodGet, "/users/me/preferences", nil, nil, &prefs); err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

// GetPosts fetches a page of the channel's latest posts.
func (c *Client) GetPosts(ctx context.Context, channelID string, page, perPage int) (*posts.PostList, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	return c.getPostList(ctx, "/channels/"+url.PathEscape(channelID)+"/posts", query)
}

func (c *Client) GetPostsBefore(ctx context.Context, channelID, postID string, page, perPage int) (*posts.PostList, error) {
	query := url.Values{}
	query.Set("before", postID)
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	return c.getPostList(ctx, "/channels/"+url.PathEscape(channelID)+"/posts", query)
}

func (c *Client) GetPostsAfter(ctx context.Context, channelID, postID string, page, perPage int) (*posts.PostList, error) {
	query := url.Values{}
	query.Set("after", postID)
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	return c.getPostList(ctx, "/channels/"+url.PathEscape(channelID)+"/posts", query)
}

// GetPostsSince fetches every post of the channel created, edited or deleted
// after since (millis).
func (c *Client) GetPostsSince(ctx context.Context, channelID string, since int64) (*posts.PostList, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	return c.getPostList(ctx, "/channels/"+url.PathEscape(channelID)+"/posts", query)
}

func (c *Client) GetPostThread(ctx context.Context, postID string) (*posts.PostList, error) {
	return c.getPostList(ctx, "/posts/"+url.PathEscape(postID)+"/thread", nil)
}

func (c *Client) GetPost(ctx context.Context, postID string) (*posts.Post, error) {
	var post posts.Post
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(postID), nil, nil, &post); err != nil {
		return nil, fmt.Errorf("get post %s: %w", postID, err)
	}
	return &post, nil
}

// CreatePost sends post. post.PendingPostID is echoed back by the server.
func (c *Client) CreatePost(ctx context.Context, post *posts.Post) (*posts.Post, error) {
	var created posts.Post
	if err := c.do(ctx, http.MethodPost, "/posts", nil, post, &created); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &created, nil
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	if err := c.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(postID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete post %s: %w", postID, err)
	}
	return nil
}

func (c *Client) getPostList(ctx context.Context, path string, query url.Values) (*posts.PostList, error) {
	var list posts.PostList
	if err := c.do(ctx, http.MethodGet, path, query, nil, &list); err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if list.Posts == nil {
		list.Posts = map[string]*posts.Post{}
	}
	return &list, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.BaseURL + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
