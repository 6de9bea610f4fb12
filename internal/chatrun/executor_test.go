package chatrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"teachcharlie/internal/llm"

	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	responses []llm.Response
	errs      []error
	calls     int
	requests  []llm.Request
}

func (f *fakeModel) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return llm.Response{Text: "fallback"}, nil
}

func collect() (Emitter, *[]Event) {
	var events []Event
	return func(ev Event) bool {
		events = append(events, ev)
		return true
	}, &events
}

func eventTypes(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

var fastOpts = Options{ChunkSize: 100, ChunkDelay: time.Nanosecond}

func TestRunPlainText(t *testing.T) {
	model := &fakeModel{responses: []llm.Response{{Text: "hello there"}}}
	emit, events := collect()

	res := Run(context.Background(), model, Input{
		SessionID:   "s1",
		APIKey:      "k",
		UserMessage: "hi",
	}, fastOpts, emit)

	require.NoError(t, res.Err)
	require.Equal(t, "hello there", res.Text)

	types := eventTypes(*events)
	require.Equal(t, EventSessionStart, types[0])
	require.Equal(t, EventDone, types[len(types)-1])
	require.Contains(t, types, EventTextDelta)
	require.Contains(t, types, EventTextComplete)

	// Indexes are strictly increasing from zero.
	for i, ev := range *events {
		require.Equal(t, i, ev.Index)
	}
}

func TestRunMissingAPIKey(t *testing.T) {
	model := &fakeModel{}
	emit, events := collect()

	res := Run(context.Background(), model, Input{Provider: "openai", UserMessage: "hi"}, fastOpts, emit)

	require.Error(t, res.Err)
	require.Zero(t, model.calls)
	types := eventTypes(*events)
	require.Equal(t, []string{EventSessionStart, EventError, EventDone}, types)
	require.Equal(t, "config_error", (*events)[1].Payload["code"])
}

func TestRunToolLoop(t *testing.T) {
	model := &fakeModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"v": "x"}}}},
		{Text: "done with tools"},
	}}
	emit, events := collect()

	var ran bool
	materialize := func(ctx context.Context) ([]RunnableTool, error) {
		return []RunnableTool{{
			Def: llm.ToolDef{Name: "echo"},
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				ran = true
				return "echoed", nil
			},
		}}, nil
	}

	res := Run(context.Background(), model, Input{
		APIKey:       "k",
		UserMessage:  "hi",
		Tools:        materialize,
		RequireTools: true,
	}, fastOpts, emit)

	require.NoError(t, res.Err)
	require.True(t, ran)
	require.Equal(t, "done with tools", res.Text)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "completed", res.ToolCalls[0].Status)
	require.Equal(t, "echoed", res.ToolCalls[0].Output)

	types := eventTypes(*events)
	require.Contains(t, types, EventToolCallStart)
	require.Contains(t, types, EventToolCallEnd)

	// Second round trip carries the tool result back to the model.
	require.Equal(t, 2, model.calls)
	last := model.requests[1].Messages
	require.Equal(t, "tool", last[len(last)-1].Role)
	require.Equal(t, "echoed", last[len(last)-1].Content)
}

func TestRunToolFailureIsReportedToModel(t *testing.T) {
	model := &fakeModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "broken"}}},
		{Text: "recovered"},
	}}
	emit, events := collect()

	materialize := func(ctx context.Context) ([]RunnableTool, error) {
		return []RunnableTool{{
			Def: llm.ToolDef{Name: "broken"},
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return "", errors.New("boom")
			},
		}}, nil
	}

	res := Run(context.Background(), model, Input{APIKey: "k", UserMessage: "hi", Tools: materialize}, fastOpts, emit)

	require.NoError(t, res.Err)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "failed", res.ToolCalls[0].Status)
	require.Equal(t, "boom", res.ToolCalls[0].Error)

	var end Event
	for _, ev := range *events {
		if ev.EventType == EventToolCallEnd {
			end = ev
		}
	}
	require.Equal(t, "failed", end.Payload["status"])

	last := model.requests[1].Messages
	require.Equal(t, "tool error: boom", last[len(last)-1].Content)
}

func TestRunRequireToolsWithNoneConnected(t *testing.T) {
	model := &fakeModel{}
	emit, events := collect()

	materialize := func(ctx context.Context) ([]RunnableTool, error) { return nil, nil }

	res := Run(context.Background(), model, Input{
		APIKey: "k", UserMessage: "hi", Tools: materialize, RequireTools: true,
	}, fastOpts, emit)

	require.Error(t, res.Err)
	require.Zero(t, model.calls)

	var errEv Event
	for _, ev := range *events {
		if ev.EventType == EventError {
			errEv = ev
		}
	}
	require.Equal(t, "no_tools", errEv.Payload["code"])
	require.Equal(t, EventDone, (*events)[len(*events)-1].EventType)
}

func TestRunMaterializeTimeout(t *testing.T) {
	model := &fakeModel{}
	emit, events := collect()

	materialize := func(ctx context.Context) ([]RunnableTool, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	opts := fastOpts
	opts.MaterializeTimeout = 10 * time.Millisecond

	res := Run(context.Background(), model, Input{APIKey: "k", UserMessage: "hi", Tools: materialize}, opts, emit)

	require.Error(t, res.Err)
	var errEv Event
	for _, ev := range *events {
		if ev.EventType == EventError {
			errEv = ev
		}
	}
	require.Equal(t, "timeout_error", errEv.Payload["code"])
	require.Equal(t, EventDone, (*events)[len(*events)-1].EventType)
}

func TestRunCancelledContextSkipsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{}
	emit, events := collect()

	res := Run(ctx, model, Input{APIKey: "k", UserMessage: "hi"}, fastOpts, emit)

	require.ErrorIs(t, res.Err, context.Canceled)
	for _, ev := range *events {
		require.NotEqual(t, EventDone, ev.EventType)
	}
}

func TestRunStopsWhenConsumerDisconnects(t *testing.T) {
	model := &fakeModel{responses: []llm.Response{{Text: "a long answer that chunks"}}}

	var events []Event
	emit := func(ev Event) bool {
		events = append(events, ev)
		return len(events) < 2 // drop after two events
	}

	opts := Options{ChunkSize: 2, ChunkDelay: time.Nanosecond}
	Run(context.Background(), model, Input{APIKey: "k", UserMessage: "hi"}, opts, emit)

	require.Len(t, events, 2)
}

func TestRunMaxIterations(t *testing.T) {
	// Model that always asks for another tool call.
	model := &fakeModel{}
	model.responses = nil
	always := llm.Response{ToolCalls: []llm.ToolCall{{ID: "c", Name: "echo"}}}
	for i := 0; i < 10; i++ {
		model.responses = append(model.responses, always)
	}

	materialize := func(ctx context.Context) ([]RunnableTool, error) {
		return []RunnableTool{{
			Def: llm.ToolDef{Name: "echo"},
			Run: func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
		}}, nil
	}

	emit, events := collect()
	opts := fastOpts
	opts.MaxIterations = 3

	res := Run(context.Background(), model, Input{APIKey: "k", UserMessage: "hi", Tools: materialize}, opts, emit)

	require.Error(t, res.Err)
	require.Equal(t, 3, model.calls)
	var errEv Event
	for _, ev := range *events {
		if ev.EventType == EventError {
			errEv = ev
		}
	}
	require.Equal(t, "execution_error", errEv.Payload["code"])
}

func TestEmitContentBlocks(t *testing.T) {
	model := &fakeModel{responses: []llm.Response{{
		Text: "Here you go:\n```python\nprint(1)\n```\ndone",
	}}}
	emit, events := collect()

	Run(context.Background(), model, Input{APIKey: "k", UserMessage: "hi"}, fastOpts, emit)

	var block Event
	for _, ev := range *events {
		if ev.EventType == EventContentBlockEnd {
			block = ev
		}
	}
	require.NotNil(t, block.Payload)
	require.Equal(t, "python", block.Payload["language"])
	require.Equal(t, "print(1)", block.Payload["content"])
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcde…", truncate("abcdefghij", 5))
	require.Equal(t, "abcdefghij", truncate("abcdefghij", 0))
}
