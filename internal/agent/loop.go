// Package agent implements the tool-orchestration loop.
//
// One Run drives zero or more rounds of tool execution between the chat
// model and the content backend: send history plus tool specs upstream,
// execute whatever tool calls come back (in order, one at a time), feed
// the results back, and repeat until the model produces a plain-text
// answer or the round limit is hit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/colelab/agora/internal/backend"
	"github.com/colelab/agora/internal/llm"
	"github.com/colelab/agora/internal/memory"
	"github.com/colelab/agora/internal/tools"
)

// maxRoundsDefault is the only safeguard against a model that keeps
// requesting tool calls indefinitely.
const maxRoundsDefault = 5

// fallbackAnswer is returned when all rounds complete without the model
// producing any text. Callers never receive an empty answer.
const fallbackAnswer = "I wasn't able to put together an answer this time. " +
	"Could you rephrase the request?"

// defaultSystemPrompt seeds new conversations. The duplicate-title rule
// lives here, not in the orchestrator: the model is asked to search
// before creating, but nothing enforces it mechanically.
const defaultSystemPrompt = `You are Agora's content assistant. You help ` +
	`people find, create, and improve subjects, problems, and ideas on the ` +
	`platform. Before creating new content, always use find_content to check ` +
	`whether an item with the same title already exists, and tell the user ` +
	`about near-duplicates. Mutations require a preview first: call the tool ` +
	`without confirm, show the preview, and only set confirm=true after the ` +
	`user agrees. When you mention content items, link to them.`

// ChatClient is the chat-completions surface the loop depends on.
type ChatClient interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// ToolExecutor validates and runs a single tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, req tools.Request) (string, error)
}

// Request is one incoming chat turn.
type Request struct {
	Message        string
	ConversationID string
	// UserToken is the caller's backend token; tool writes are
	// attributed to it.
	UserToken string
}

// Response is the final, user-visible outcome of a Run.
type Response struct {
	Content        string
	ConversationID string
	Model          string
	Rounds         int
	ToolsUsed      []string
	InputTokens    int
	OutputTokens   int
}

// EventKind identifies a progress event during a Run.
type EventKind int

const (
	// KindToolStart fires when a tool call begins executing.
	KindToolStart EventKind = iota

	// KindToolDone fires when a tool call finishes (result or error).
	KindToolDone

	// KindAnswer fires once with the final content.
	KindAnswer
)

// Event is a progress notification for streaming consumers.
type Event struct {
	Kind     EventKind
	ToolName string
	Result   string
	Err      string
	Content  string
}

// EventCallback receives progress events. May be nil.
type EventCallback func(Event)

// Loop is the orchestration loop.
type Loop struct {
	logger     *slog.Logger
	llm        ChatClient
	exec       ToolExecutor
	store      *memory.Store
	model      string
	maxRounds  int
	maxHistory int
	system     string
}

// Options tune a Loop. Zero values fall back to defaults.
type Options struct {
	MaxRounds    int
	MaxHistory   int
	SystemPrompt string
}

// NewLoop creates an orchestration loop.
func NewLoop(logger *slog.Logger, client ChatClient, exec ToolExecutor, store *memory.Store, model string, opts Options) *Loop {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = maxRoundsDefault
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 40
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Loop{
		logger:     logger,
		llm:        client,
		exec:       exec,
		store:      store,
		model:      model,
		maxRounds:  opts.MaxRounds,
		maxHistory: opts.MaxHistory,
		system:     opts.SystemPrompt,
	}
}

// Run executes one chat turn. The returned error is non-nil only when
// the first model call fails; every later failure degrades into tool
// error payloads or the fallback answer.
func (l *Loop) Run(ctx context.Context, req *Request, cb EventCallback) (*Response, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	start := time.Now()
	l.logger.Info("orchestration started", "conversation", convID)

	working := l.assembleContext(convID, req.Message)
	specs := tools.Specs()

	resp, err := l.llm.Chat(ctx, &llm.ChatRequest{
		Model:      l.model,
		Messages:   working,
		Tools:      specs,
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		// The only hard failure: nothing has been shown to the user yet.
		l.logger.Error("first model call failed", "conversation", convID, "error", err)
		return nil, err
	}

	out := &Response{ConversationID: convID, Model: l.model}
	out.InputTokens += resp.Usage.PromptTokens
	out.OutputTokens += resp.Usage.CompletionTokens

	var links []string
	assistant := resp.First()
	final := ""

	for round := 0; ; round++ {
		if len(assistant.ToolCalls) == 0 {
			final = assistant.Content
			break
		}
		if round >= l.maxRounds {
			// Round limit: whatever content is present becomes final.
			l.logger.Warn("round limit reached", "conversation", convID, "rounds", round)
			final = assistant.Content
			break
		}

		out.Rounds = round + 1
		working = append(working, assistant)

		// Round-scoped memo: the identical call twice in one round runs
		// once, so a repeated create cannot double-post.
		memo := make(map[string]string)
		for _, tc := range assistant.ToolCalls {
			result := l.executeCall(ctx, tc, req.UserToken, memo, &links, &out.ToolsUsed, cb)
			working = append(working, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
		}

		followUp, err := l.llm.Chat(ctx, &llm.ChatRequest{
			Model:      l.model,
			Messages:   working,
			Tools:      specs,
			ToolChoice: llm.ToolChoiceAuto,
		})
		if err != nil {
			// Past the first call the user already cost tool side effects;
			// degrade to the fallback answer instead of erroring out.
			l.logger.Error("follow-up model call failed", "conversation", convID, "error", err)
			break
		}
		out.InputTokens += followUp.Usage.PromptTokens
		out.OutputTokens += followUp.Usage.CompletionTokens
		assistant = followUp.First()

		if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
			// The model returned nothing at all. One more call with tools
			// disabled forces a textual answer, then we stop regardless.
			forced, err := l.llm.Chat(ctx, &llm.ChatRequest{
				Model:      l.model,
				Messages:   working,
				Tools:      specs,
				ToolChoice: llm.ToolChoiceNone,
			})
			if err == nil {
				out.InputTokens += forced.Usage.PromptTokens
				out.OutputTokens += forced.Usage.CompletionTokens
				final = forced.First().Content
			}
			break
		}
	}

	if final == "" {
		final = fallbackAnswer
	}
	final = SubstituteLinks(final, links)

	l.persist(convID, req.Message, final)

	if cb != nil {
		cb(Event{Kind: KindAnswer, Content: final})
	}

	out.Content = final
	l.logger.Info("orchestration completed",
		"conversation", convID,
		"rounds", out.Rounds,
		"tools", len(out.ToolsUsed),
		"duration", time.Since(start),
	)
	return out, nil
}

// executeCall runs one tool call, memoizing by canonical key within the
// round. Every failure path produces an error payload, never an abort.
func (l *Loop) executeCall(ctx context.Context, tc llm.ToolCall, userToken string, memo map[string]string, links *[]string, used *[]string, cb EventCallback) string {
	name := tc.Function.Name
	key := tools.CanonicalKey(name, tc.Function.Arguments)

	if cached, ok := memo[key]; ok {
		l.logger.Debug("tool call memoized", "tool", name)
		return cached
	}

	if cb != nil {
		cb(Event{Kind: KindToolStart, ToolName: name})
	}

	result, err := l.exec.Execute(ctx, tools.Request{
		Name:      name,
		Arguments: tc.Function.Arguments,
		UserToken: userToken,
	})
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			l.logger.Warn("unknown tool requested", "tool", name)
		} else {
			l.logger.Warn("tool call failed", "tool", name, "error", err)
		}
		result = errorPayload(err)
	} else {
		*used = append(*used, name)
		if name == tools.NameFindContent {
			*links = append(*links, extractLinks(result)...)
		}
	}

	if cb != nil {
		cb(Event{Kind: KindToolDone, ToolName: name, Result: result, Err: errString(err)})
	}

	memo[key] = result
	return result
}

// assembleContext builds the bounded message window for the model:
// system prompt, stored history, then the new user message.
func (l *Loop) assembleContext(convID, userMessage string) []llm.Message {
	history := l.store.Messages(convID)

	msgs := make([]llm.Message, 0, len(history)+2)
	if len(history) == 0 || history[0].Role != "system" {
		msgs = append(msgs, llm.Message{Role: "system", Content: l.system})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userMessage})

	return TrimContext(msgs, l.maxHistory)
}

// TrimContext bounds the context window, truncating from the middle:
// the leading system message and the most recent messages survive.
func TrimContext(msgs []llm.Message, max int) []llm.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}

	if msgs[0].Role == "system" {
		keep := max - 1
		out := make([]llm.Message, 0, max)
		out = append(out, msgs[0])
		return append(out, msgs[len(msgs)-keep:]...)
	}

	return msgs[len(msgs)-max:]
}

// persist appends the turn to the conversation store. Failures cannot
// occur on the in-memory store; archive mirroring is the API layer's
// best-effort concern.
func (l *Loop) persist(convID, userMessage, answer string) {
	now := time.Now()
	l.store.Append(convID, []memory.Message{
		{Role: "user", Content: userMessage, Timestamp: now},
		{Role: "assistant", Content: answer, Timestamp: now},
	}, l.maxHistory)
}

// Store exposes the conversation store for API listings.
func (l *Loop) Store() *memory.Store {
	return l.store
}

// extractLinks pulls result links out of a find_content payload, in
// order, for placeholder substitution.
func extractLinks(payload string) []string {
	var items []backend.Item
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil
	}
	var links []string
	for _, it := range items {
		if it.Link != "" {
			links = append(links, it.Link)
		}
	}
	return links
}

// errorPayload encodes a soft tool failure so the model can react to it.
func errorPayload(err error) string {
	out, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(out)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
