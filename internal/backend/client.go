// Package backend provides a client for the content backend's REST API.
//
// The backend holds the civic content tree (subjects → problems → ideas)
// as "posts". Agora authenticates itself with a service token and passes
// the caller's user token on every request so writes are attributed to
// the person chatting, not to the relay.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/colelab/agora/internal/httpkit"
)

// Item is a normalized search result.
type Item struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	ID    string `json:"id"`
	Link  string `json:"link"`
}

// PostSummary describes a post after a create or edit.
type PostSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
	Link  string `json:"link"`
}

// CreatePost is the payload for a confirmed create.
type CreatePost struct {
	Title string
	Type  string // post_type: subject, problem, idea
	Body  string // HTML content body
	// ParentID attaches the post in the content tree: ideas hang off a
	// problem, problems hang off a subject.
	ParentID string
}

// UpdatePost is the payload for a confirmed edit. Nil-equivalent (empty)
// fields are omitted from the request.
type UpdatePost struct {
	Title string
	Body  string // HTML content body
}

// Client is a content backend REST client.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a content backend client. Calls carry no overall
// deadline: a slow confirmed create must be allowed to finish rather
// than fail partway through a write. Dial and TLS handshake bounds
// still apply from the shared transport, and writes never retry
// (duplicate posts are worse than a failed tool call the model can
// react to).
func NewClient(baseURL, serviceToken string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serviceToken: serviceToken,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// wirePost is the backend's post representation. Only the fields Agora
// consumes are decoded.
type wirePost struct {
	ID    json.Number `json:"id"`
	Title string      `json:"title"`
	Type  string      `json:"post_type"`
	Link  string      `json:"link"`
}

func (p wirePost) normalize(baseURL string) Item {
	link := p.Link
	if link == "" {
		link = baseURL + "/posts/" + p.ID.String()
	}
	return Item{
		Title: p.Title,
		Type:  p.Type,
		ID:    p.ID.String(),
		Link:  link,
	}
}

// Search queries posts by title substring. kind filters by post type;
// "all" (or empty) matches everything.
func (c *Client) Search(ctx context.Context, userToken, query, kind string) ([]Item, error) {
	if kind == "" {
		kind = "all"
	}

	q := url.Values{}
	q.Set("type", kind)
	q.Set("title_contains", query)

	var wire struct {
		Posts []wirePost `json:"posts"`
	}
	if err := c.get(ctx, userToken, "/posts?"+q.Encode(), &wire); err != nil {
		return nil, err
	}

	items := make([]Item, len(wire.Posts))
	for i, p := range wire.Posts {
		items[i] = p.normalize(c.baseURL)
	}
	return items, nil
}

// Create performs a confirmed content creation. The preview/confirm
// gate lives in the tool layer; by the time this runs the user has
// already seen a dry-run of the post.
func (c *Client) Create(ctx context.Context, userToken string, post CreatePost) (*PostSummary, error) {
	body := map[string]any{
		"title":     post.Title,
		"post_type": post.Type,
		"content":   map[string]any{"body": post.Body},
	}
	if post.ParentID != "" {
		// Ideas attach to a problem, everything else to a subject.
		if post.Type == "idea" {
			body["problem_id"] = post.ParentID
		} else {
			body["subject_id"] = post.ParentID
		}
	}

	var wire struct {
		Post wirePost `json:"post"`
	}
	if err := c.post(ctx, userToken, "/posts", map[string]any{"post": body}, &wire); err != nil {
		return nil, err
	}

	item := wire.Post.normalize(c.baseURL)
	return &PostSummary{ID: item.ID, Title: item.Title, Type: item.Type, Link: item.Link}, nil
}

// Update performs a confirmed content edit on an existing post.
func (c *Client) Update(ctx context.Context, userToken, id string, post UpdatePost) (*PostSummary, error) {
	body := map[string]any{}
	if post.Title != "" {
		body["title"] = post.Title
	}
	if post.Body != "" {
		body["content"] = map[string]any{"body": post.Body}
	}

	var wire struct {
		Post wirePost `json:"post"`
	}
	path := "/posts/" + url.PathEscape(id) + "/update"
	if err := c.put(ctx, userToken, path, map[string]any{"post": body}, &wire); err != nil {
		return nil, err
	}

	item := wire.Post.normalize(c.baseURL)
	return &PostSummary{ID: item.ID, Title: item.Title, Type: item.Type, Link: item.Link}, nil
}

func (c *Client) get(ctx context.Context, userToken, path string, out any) error {
	return c.do(ctx, http.MethodGet, userToken, path, nil, out)
}

func (c *Client) post(ctx context.Context, userToken, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, userToken, path, in, out)
}

func (c *Client) put(ctx context.Context, userToken, path string, in, out any) error {
	return c.do(ctx, http.MethodPut, userToken, path, in, out)
}

func (c *Client) do(ctx context.Context, method, userToken, path string, in, out any) error {
	var reqBody *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	req.Header.Set("X-User-Token", userToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("backend error %d on %s %s: %s", resp.StatusCode, method, path, body)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
