package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/colelab/agora/internal/backend"
	"github.com/colelab/agora/internal/richtext"
)

// validContentTypes are the post types the backend accepts.
var validContentTypes = map[string]bool{
	"subject": true,
	"problem": true,
	"idea":    true,
}

// findArgs is the validated argument set for find_content.
type findArgs struct {
	Query string `json:"query"`
	Type  string `json:"type"`
}

func (a *findArgs) validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return fmt.Errorf("find_content: query is required")
	}
	if a.Type == "" {
		a.Type = "all"
	}
	return nil
}

func (r *Registry) executeFind(ctx context.Context, req Request) (string, error) {
	var args findArgs
	if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
		return "", fmt.Errorf("find_content: invalid arguments: %w", err)
	}
	if err := args.validate(); err != nil {
		return "", err
	}

	// Identical searches inside the dedupe window reuse the cached
	// payload instead of hitting the backend again.
	key := CanonicalKey(req.Name, req.Arguments)
	if payload, ok := r.cache.Get(key); ok {
		r.logger.Debug("search served from cache", "query", args.Query)
		return payload, nil
	}

	items, err := r.backend.Search(ctx, req.UserToken, args.Query, args.Type)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("find_content: encode results: %w", err)
	}

	r.cache.Set(key, string(payload))
	r.logger.Debug("search executed", "query", args.Query, "type", args.Type, "results", len(items))
	return string(payload), nil
}

// createArgs is the validated argument set for create_content.
type createArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ContentType string `json:"content_type"`
	ParentID    string `json:"parent_id"`
	Confirm     bool   `json:"confirm"`
}

func (a *createArgs) validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("create_content: title is required")
	}
	if !validContentTypes[a.ContentType] {
		return fmt.Errorf("create_content: content_type must be subject, problem, or idea (got %q)", a.ContentType)
	}
	return nil
}

func (r *Registry) executeCreate(ctx context.Context, req Request) (string, error) {
	var args createArgs
	if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
		return "", fmt.Errorf("create_content: invalid arguments: %w", err)
	}
	if err := args.validate(); err != nil {
		return "", err
	}

	html, err := richtext.ToHTML(args.Description)
	if err != nil {
		return "", fmt.Errorf("create_content: render description: %w", err)
	}

	// Unconfirmed calls never reach the backend's write endpoint. The
	// preview echoes exactly what a confirmed call would store, so the
	// user approves the real thing.
	if !args.Confirm {
		r.logger.Debug("create preview", "title", args.Title, "type", args.ContentType)
		return previewPayload("create", map[string]any{
			"title":        args.Title,
			"content_type": args.ContentType,
			"parent_id":    args.ParentID,
			"body_html":    html,
			"body_text":    richtext.ToText(html),
		}), nil
	}

	summary, err := r.backend.Create(ctx, req.UserToken, backend.CreatePost{
		Title:    args.Title,
		Type:     args.ContentType,
		Body:     html,
		ParentID: args.ParentID,
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("content created", "id", summary.ID, "title", summary.Title, "type", summary.Type)
	out, err := json.Marshal(map[string]any{"status": "created", "post": summary})
	if err != nil {
		return "", fmt.Errorf("create_content: encode result: %w", err)
	}
	return string(out), nil
}

// editArgs is the validated argument set for edit_content.
type editArgs struct {
	ContentID string `json:"content_id"`
	Changes   struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"changes"`
	Confirm bool `json:"confirm"`
}

func (a *editArgs) validate() error {
	if strings.TrimSpace(a.ContentID) == "" {
		return fmt.Errorf("edit_content: content_id is required")
	}
	if a.Changes.Title == "" && a.Changes.Description == "" {
		return fmt.Errorf("edit_content: changes must set title or description")
	}
	return nil
}

func (r *Registry) executeEdit(ctx context.Context, req Request) (string, error) {
	var args editArgs
	if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
		return "", fmt.Errorf("edit_content: invalid arguments: %w", err)
	}
	if err := args.validate(); err != nil {
		return "", err
	}

	var html string
	if args.Changes.Description != "" {
		var err error
		html, err = richtext.ToHTML(args.Changes.Description)
		if err != nil {
			return "", fmt.Errorf("edit_content: render description: %w", err)
		}
	}

	if !args.Confirm {
		r.logger.Debug("edit preview", "id", args.ContentID)
		preview := map[string]any{"content_id": args.ContentID}
		if args.Changes.Title != "" {
			preview["title"] = args.Changes.Title
		}
		if html != "" {
			preview["body_html"] = html
			preview["body_text"] = richtext.ToText(html)
		}
		return previewPayload("edit", preview), nil
	}

	summary, err := r.backend.Update(ctx, req.UserToken, args.ContentID, backend.UpdatePost{
		Title: args.Changes.Title,
		Body:  html,
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("content updated", "id", summary.ID, "title", summary.Title)
	out, err := json.Marshal(map[string]any{"status": "updated", "post": summary})
	if err != nil {
		return "", fmt.Errorf("edit_content: encode result: %w", err)
	}
	return string(out), nil
}

// previewPayload encodes a dry-run result. The note tells the model to
// show the preview and wait for approval before confirming.
func previewPayload(action string, fields map[string]any) string {
	out, err := json.Marshal(map[string]any{
		"status":  "preview",
		"action":  action,
		"preview": fields,
		"note": "Nothing was saved. Show this preview to the user and call again " +
			"with confirm=true once they approve.",
	})
	if err != nil {
		// fields came from validated args; marshal cannot realistically fail
		return `{"status":"preview"}`
	}
	return string(out)
}
