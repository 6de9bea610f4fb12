// Package chatrun executes one chat turn against an agent and emits a typed
// event stream. It is transport-agnostic: the HTTP layer adapts events to
// SSE, tests collect them in a slice.
package chatrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"teachcharlie/internal/llm"
)

// Event types, in stream order guarantees: session_start first, done last.
const (
	EventSessionStart    = "session_start"
	EventThinkingStart   = "thinking_start"
	EventThinkingDelta   = "thinking_delta"
	EventThinkingEnd     = "thinking_end"
	EventToolCallStart   = "tool_call_start"
	EventToolCallEnd     = "tool_call_end"
	EventTextDelta       = "text_delta"
	EventTextComplete    = "text_complete"
	EventContentBlockEnd = "content_block_end"
	EventError           = "error"
	EventDone            = "done"
)

type Event struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Index     int            `json:"index"`
	Timestamp string         `json:"timestamp"`
}

// Emitter receives events in order. A false return signals the consumer is
// gone and the executor should stop.
type Emitter func(Event) bool

// ModelCaller is the slice of the llm client the executor needs.
type ModelCaller interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// RunnableTool binds a tool definition to its execution.
type RunnableTool struct {
	Def llm.ToolDef
	Run func(ctx context.Context, args map[string]any) (string, error)
}

// ToolMaterializer resolves the caller's runnable tools. May be nil when the
// workflow uses no external-app tools.
type ToolMaterializer func(ctx context.Context) ([]RunnableTool, error)

type Input struct {
	SessionID      string
	ConversationID string
	MessageID      string

	Provider string
	Model    string
	BaseURL  string
	APIKey   string

	SystemPrompt string
	History      []llm.Message
	UserMessage  string

	Tools        ToolMaterializer
	RequireTools bool
}

type ToolCallRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status"`
}

type Result struct {
	Text      string
	ToolCalls []ToolCallRecord
	Err       error
}

// Options tune pacing and bounds; zero values pick the defaults.
type Options struct {
	ChunkSize          int
	ChunkDelay         time.Duration
	ToolOutputMaxChars int
	MaterializeTimeout time.Duration
	MaxIterations      int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = 10 * time.Millisecond
	}
	if o.ToolOutputMaxChars <= 0 {
		o.ToolOutputMaxChars = 500
	}
	if o.MaterializeTimeout <= 0 {
		o.MaterializeTimeout = 30 * time.Second
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 15
	}
	return o
}

type stream struct {
	emit   Emitter
	index  int
	closed bool
}

func (st *stream) send(eventType string, payload map[string]any) bool {
	if st.closed {
		return false
	}
	ev := Event{
		EventType: eventType,
		Payload:   payload,
		Index:     st.index,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	st.index++
	if !st.emit(ev) {
		st.closed = true
		return false
	}
	return true
}

// Run executes one turn. It always emits session_start first and exactly one
// done last (unless the consumer disconnects), with errors reported through
// error events rather than the return value; Result.Err is for callers that
// persist outcomes.
func Run(ctx context.Context, model ModelCaller, in Input, opts Options, emit Emitter) Result {
	opts = opts.withDefaults()
	st := &stream{emit: emit}

	st.send(EventSessionStart, map[string]any{
		"session_id":      in.SessionID,
		"conversation_id": in.ConversationID,
		"message_id":      in.MessageID,
	})

	done := func(res Result) Result {
		st.send(EventDone, map[string]any{
			"conversation_id": in.ConversationID,
			"message_id":      in.MessageID,
		})
		return res
	}
	fail := func(code, message string) Result {
		st.send(EventError, map[string]any{"code": code, "message": message})
		return done(Result{Err: errors.New(code + ": " + message)})
	}

	if strings.TrimSpace(in.APIKey) == "" {
		return fail("config_error", "no API key configured for provider "+in.Provider)
	}

	// Materialize external-app tools, bounded by a hard timeout.
	var tools []RunnableTool
	if in.Tools != nil {
		st.send(EventThinkingStart, map[string]any{"content": "", "is_complete": false})
		st.send(EventThinkingDelta, map[string]any{"content": "Connecting your tools…", "is_complete": false})

		mctx, cancel := context.WithTimeout(ctx, opts.MaterializeTimeout)
		materialized, err := in.Tools(mctx)
		cancel()
		if err != nil {
			st.send(EventThinkingEnd, map[string]any{"content": "", "is_complete": true})
			if errors.Is(err, context.DeadlineExceeded) {
				return fail("timeout_error", "tool preparation timed out")
			}
			return fail("tool_error", "tool preparation failed: "+err.Error())
		}
		tools = materialized
		st.send(EventThinkingEnd, map[string]any{"content": "", "is_complete": true})
	}
	if in.RequireTools && len(tools) == 0 {
		return fail("no_tools", "no connected tools are available")
	}

	toolDefs := make([]llm.ToolDef, 0, len(tools))
	byName := map[string]RunnableTool{}
	for _, t := range tools {
		toolDefs = append(toolDefs, t.Def)
		byName[t.Def.Name] = t
	}

	messages := append([]llm.Message{}, in.History...)
	messages = append(messages, llm.Message{Role: "user", Content: in.UserMessage})

	var records []ToolCallRecord
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return Result{ToolCalls: records, Err: ctx.Err()}
		}
		resp, err := model.Complete(ctx, llm.Request{
			Provider: in.Provider,
			Model:    in.Model,
			BaseURL:  in.BaseURL,
			APIKey:   in.APIKey,
			System:   in.SystemPrompt,
			Messages: messages,
			Tools:    toolDefs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Result{ToolCalls: records, Err: ctx.Err()}
			}
			return fail("execution_error", err.Error())
		}

		if len(resp.ToolCalls) == 0 {
			streamText(ctx, st, resp.Text, opts)
			st.send(EventTextComplete, map[string]any{"text": resp.Text})
			emitContentBlocks(st, resp.Text)
			res := Result{Text: resp.Text, ToolCalls: records}
			return done(res)
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			st.send(EventToolCallStart, map[string]any{
				"id":         call.ID,
				"name":       call.Name,
				"input":      call.Arguments,
				"status":     "running",
				"started_at": time.Now().UTC().Format(time.RFC3339Nano),
			})

			rec := ToolCallRecord{ID: call.ID, Name: call.Name}
			tool, ok := byName[call.Name]
			var output string
			var runErr error
			if !ok {
				runErr = fmt.Errorf("unknown tool %q", call.Name)
			} else {
				output, runErr = tool.Run(ctx, call.Arguments)
			}
			output = truncate(output, opts.ToolOutputMaxChars)

			end := map[string]any{
				"id":           call.ID,
				"name":         call.Name,
				"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
			}
			if runErr != nil {
				rec.Status = "failed"
				rec.Error = runErr.Error()
				end["status"] = "failed"
				end["error"] = runErr.Error()
				output = "tool error: " + runErr.Error()
			} else {
				rec.Status = "completed"
				rec.Output = output
				end["status"] = "completed"
				end["output"] = output
			}
			records = append(records, rec)
			st.send(EventToolCallEnd, end)

			messages = append(messages, llm.Message{Role: "tool", ToolCallID: call.ID, Content: output})
		}
	}

	return fail("execution_error", "agent exceeded maximum tool iterations")
}

func streamText(ctx context.Context, st *stream, text string, opts Options) {
	runes := []rune(text)
	for i := 0; i < len(runes); i += opts.ChunkSize {
		if ctx.Err() != nil || st.closed {
			return
		}
		end := i + opts.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if !st.send(EventTextDelta, map[string]any{"text": string(runes[i:end])}) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.ChunkDelay):
		}
	}
}

// emitContentBlocks surfaces fenced code blocks so rich clients can render
// them as discrete artifacts.
func emitContentBlocks(st *stream, text string) {
	parts := strings.Split(text, "```")
	// Odd-indexed parts are inside fences.
	blockNum := 0
	for i := 1; i < len(parts); i += 2 {
		body := parts[i]
		language := ""
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			language = strings.TrimSpace(body[:nl])
			body = body[nl+1:]
		}
		body = strings.TrimRight(body, "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		blockNum++
		payload := map[string]any{
			"id":      fmt.Sprintf("block-%d", blockNum),
			"type":    "code",
			"content": body,
		}
		if language != "" {
			payload["language"] = language
		}
		st.send(EventContentBlockEnd, payload)
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
