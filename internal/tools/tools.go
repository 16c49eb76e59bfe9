// Package tools defines the content tools the model can call and the
// registry that validates and dispatches them.
//
// The tool surface is a closed set: find_content, create_content,
// edit_content. Dispatch goes through the Kind enum rather than a
// name-keyed function map, so a new tool is a compile-time change; an
// unknown name from the model is still a soft error the loop feeds back
// rather than a failure.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/colelab/agora/internal/backend"
	"github.com/colelab/agora/internal/llm"
	"github.com/colelab/agora/internal/toolcache"
)

// ErrUnknownTool is returned when the model requests a tool name outside
// the closed set. The orchestrator converts it to an error tool result.
var ErrUnknownTool = errors.New("unsupported tool")

// Kind identifies one of the closed set of tools.
type Kind int

const (
	KindFindContent Kind = iota
	KindCreateContent
	KindEditContent
)

// Tool names as exposed to the model.
const (
	NameFindContent   = "find_content"
	NameCreateContent = "create_content"
	NameEditContent   = "edit_content"
)

// ParseKind maps a wire tool name to its Kind.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case NameFindContent:
		return KindFindContent, true
	case NameCreateContent:
		return KindCreateContent, true
	case NameEditContent:
		return KindEditContent, true
	}
	return 0, false
}

// Mutating reports whether the kind writes to the backend and is
// therefore subject to preview/confirm gating.
func (k Kind) Mutating() bool {
	return k == KindCreateContent || k == KindEditContent
}

// Request is one tool invocation as decoded from the model's tool call.
type Request struct {
	Name      string
	Arguments string // raw JSON from the model
	UserToken string // caller's backend token, attributes writes to them
}

// Registry validates and executes tool calls against the content backend.
type Registry struct {
	backend *backend.Client
	cache   *toolcache.Cache
	logger  *slog.Logger
}

// NewRegistry creates a registry. cache dedupes identical searches
// issued in rapid succession and may be shared across requests.
func NewRegistry(bc *backend.Client, cache *toolcache.Cache, logger *slog.Logger) *Registry {
	return &Registry{
		backend: bc,
		cache:   cache,
		logger:  logger,
	}
}

// Execute parses, validates, and runs one tool call. All returned errors
// are soft: the orchestrator encodes them as tool-result payloads so the
// model can react, instead of failing the round.
func (r *Registry) Execute(ctx context.Context, req Request) (string, error) {
	kind, ok := ParseKind(req.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}

	switch kind {
	case KindFindContent:
		return r.executeFind(ctx, req)
	case KindCreateContent:
		return r.executeCreate(ctx, req)
	case KindEditContent:
		return r.executeEdit(ctx, req)
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
}

// Specs returns the tool schemas advertised to the model, in a stable order.
func Specs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Type: "function",
			Function: llm.FunctionSpec{
				Name: NameFindContent,
				Description: "Search existing content by title. Always search before " +
					"creating new content so duplicates are surfaced to the user.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Words to match against content titles.",
						},
						"type": map[string]any{
							"type":        "string",
							"description": "Content type filter: subject, problem, idea, or all. Default: all.",
						},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionSpec{
				Name: NameCreateContent,
				Description: "Create a new content item. Without confirm=true this returns " +
					"a preview only and changes nothing; call again with confirm=true after " +
					"the user approves the preview.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{
							"type":        "string",
							"description": "Title of the new item.",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "Body text. Markdown-style headings, lists, bold/italic and bare URLs are supported.",
						},
						"content_type": map[string]any{
							"type":        "string",
							"description": "One of: subject, problem, idea.",
						},
						"parent_id": map[string]any{
							"type":        "string",
							"description": "ID of the parent item (problem for an idea, subject for a problem).",
						},
						"confirm": map[string]any{
							"type":        "boolean",
							"description": "Set true only after the user approved the preview.",
						},
					},
					"required": []string{"title", "content_type"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionSpec{
				Name: NameEditContent,
				Description: "Edit an existing content item. Without confirm=true this returns " +
					"a preview only and changes nothing; call again with confirm=true after " +
					"the user approves the preview.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content_id": map[string]any{
							"type":        "string",
							"description": "ID of the item to edit.",
						},
						"changes": map[string]any{
							"type":        "object",
							"description": "Fields to change.",
							"properties": map[string]any{
								"title":       map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
							},
						},
						"confirm": map[string]any{
							"type":        "boolean",
							"description": "Set true only after the user approved the preview.",
						},
					},
					"required": []string{"content_id", "changes"},
				},
			},
		},
	}
}

// CanonicalKey builds a cache/memo key from a tool name and its raw JSON
// arguments. The JSON is re-encoded so key order and whitespace don't
// produce distinct keys for identical calls.
func CanonicalKey(name, argsJSON string) string {
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return name + ":" + argsJSON
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return name + ":" + argsJSON
	}
	return name + ":" + string(canon)
}
