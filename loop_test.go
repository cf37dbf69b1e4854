package portico

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestExecutor(store *fakeStore, p Provider, opts ...ExecutorOption) *Executor {
	assembler := NewAssembler(store)
	return NewExecutor(store, fakeResolver{p: p}, assembler, opts...)
}

func TestExecutePlainTurn(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "helper", Model: "gpt-4o", Instructions: "Be helpful."})
	p := &fakeProvider{finalResp: textResponse("hello there")}
	e := newTestExecutor(store, p)

	res, err := e.Execute(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("state = %q, want %q", res.State, StateDone)
	}
	if res.Message.Content != "hello there" {
		t.Errorf("content = %q", res.Message.Content)
	}
	if res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}

	msgs := store.messages[conv.ID]
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hi" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Seq != 2 {
		t.Errorf("assistant message = %+v", msgs[1])
	}
}

func TestExecuteEmptyTurnRejected(t *testing.T) {
	e := newTestExecutor(newFakeStore(), &fakeProvider{})
	_, err := e.Execute(context.Background(), TurnRequest{ConversationID: "c", UserText: "   "})
	var ce *ErrConfig
	if !errors.As(err, &ce) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
}

func TestExecuteNoConversationSelector(t *testing.T) {
	e := newTestExecutor(newFakeStore(), &fakeProvider{})
	_, err := e.Execute(context.Background(), TurnRequest{UserText: "hi"})
	var ce *ErrConfig
	if !errors.As(err, &ce) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
}

func TestExecuteBySessionToken(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o"})
	p := &fakeProvider{finalResp: textResponse("ok")}
	e := newTestExecutor(store, p)

	if _, err := e.Execute(context.Background(), TurnRequest{SessionToken: conv.SessionToken, UserText: "hi"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Execute(context.Background(), TurnRequest{SessionToken: "bogus", UserText: "hi"}); err == nil {
		t.Fatal("want error for unknown token")
	}
}

func TestExecuteToolLoop(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o", ToolsEnabled: true})

	var gotArgs json.RawMessage
	var gotAgentID string
	tool := newFakeTool("weather").on("lookup", func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		gotArgs = args
		gotAgentID = AgentIDFromContext(ctx)
		return ToolResult{Content: "sunny, 21C"}, nil
	})
	reg := NewToolRegistry()
	reg.Add(tool)

	p := &fakeProvider{
		script: []ChatResponse{
			toolUseResponse(ToolCall{ID: "call-1", Name: "weather__lookup", Args: json.RawMessage(`{"city":"Oslo"}`)}),
			textResponse("It is sunny in Oslo."),
		},
	}
	e := newTestExecutor(store, p, WithTools(reg))

	res, err := e.Execute(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "weather in Oslo?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateDone || res.Rounds != 1 {
		t.Errorf("state=%q rounds=%d", res.State, res.Rounds)
	}
	if string(gotArgs) != `{"city":"Oslo"}` {
		t.Errorf("tool args = %s", gotArgs)
	}
	if gotAgentID != conv.AgentID {
		t.Errorf("agent id in tool ctx = %q, want %q", gotAgentID, conv.AgentID)
	}
	// usage accumulates across both rounds
	if res.Usage.InputTokens != 20 || res.Usage.OutputTokens != 10 {
		t.Errorf("usage = %+v", res.Usage)
	}

	// second round saw the tool result keyed by call id
	second := p.requests[len(p.requests)-1]
	var toolMsg *ChatMessage
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result message in second round")
	}
	if toolMsg.ToolCallID != "call-1" || toolMsg.Content != "sunny, 21C" {
		t.Errorf("tool result message = %+v", toolMsg)
	}

	if res.Message.Meta == nil || len(res.Message.Meta.ToolsUsed) != 1 {
		t.Fatalf("meta = %+v", res.Message.Meta)
	}
	trace := res.Message.Meta.ToolsUsed[0]
	if trace.Name != "weather__lookup" || !trace.OK {
		t.Errorf("trace = %+v", trace)
	}
}

func TestExecuteToolErrorFedBack(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o", ToolsEnabled: true})

	tool := newFakeTool("db").on("query", func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Error: "table missing"}, nil
	})
	reg := NewToolRegistry()
	reg.Add(tool)

	p := &fakeProvider{
		script: []ChatResponse{
			toolUseResponse(ToolCall{ID: "c1", Name: "db__query", Args: json.RawMessage(`{}`)}),
			textResponse("I could not query the database."),
		},
	}
	e := newTestExecutor(store, p, WithTools(reg))

	res, err := e.Execute(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "query it"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second := p.requests[len(p.requests)-1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "error: table missing") {
		t.Errorf("tool result = %+v", last)
	}
	if res.Message.Meta.ToolsUsed[0].OK {
		t.Error("trace should record failure")
	}
}

func TestExecuteToolPanicRecovered(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o", ToolsEnabled: true})

	tool := newFakeTool("bad").on("boom", func(context.Context, json.RawMessage) (ToolResult, error) {
		panic("kaboom")
	})
	reg := NewToolRegistry()
	reg.Add(tool)

	p := &fakeProvider{
		script: []ChatResponse{
			toolUseResponse(ToolCall{ID: "c1", Name: "bad__boom", Args: json.RawMessage(`{}`)}),
			textResponse("that tool failed"),
		},
	}
	e := newTestExecutor(store, p, WithTools(reg))

	_, err := e.Execute(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second := p.requests[len(p.requests)-1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "panic") || !strings.Contains(last.Content, "kaboom") {
		t.Errorf("panic result = %q", last.Content)
	}
}

func TestExecuteRoundLimitForcesSynthesis(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o", ToolsEnabled: true})

	tool := newFakeTool("loop").on("again", func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: "more"}, nil
	})
	reg := NewToolRegistry()
	reg.Add(tool)

	// Model requests tools on every round; the cap forces a plain Chat.
	p := &fakeProvider{
		script: []ChatResponse{
			toolUseResponse(ToolCall{ID: "c1", Name: "loop__again", Args: json.RawMessage(`{}`)}),
			toolUseResponse(ToolCall{ID: "c2", Name: "loop__again", Args: json.RawMessage(`{}`)}),
		},
		finalResp: textResponse("best effort answer"),
	}
	e := newTestExecutor(store, p, WithTools(reg), WithRoundLimit(2))

	res, err := e.Execute(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "dig"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateRoundLimitExceeded || res.Rounds != 2 {
		t.Errorf("state=%q rounds=%d", res.State, res.Rounds)
	}
	if res.Message.Content != "best effort answer" {
		t.Errorf("content = %q", res.Message.Content)
	}
	if len(res.Message.Meta.ToolsUsed) != 2 {
		t.Errorf("traces = %d, want 2", len(res.Message.Meta.ToolsUsed))
	}

	// The synthesis call carries the nudge and no tools.
	synth := p.requests[len(p.requests)-1]
	last := synth.Messages[len(synth.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Answer the user") {
		t.Errorf("synthesis nudge = %+v", last)
	}
}

func TestExecuteToolResultTruncated(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o", ToolsEnabled: true})

	huge := strings.Repeat("x", maxToolResultLen+500)
	tool := newFakeTool("dump").on("all", func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: huge}, nil
	})
	reg := NewToolRegistry()
	reg.Add(tool)

	p := &fakeProvider{
		script: []ChatResponse{
			toolUseResponse(ToolCall{ID: "c1", Name: "dump__all", Args: json.RawMessage(`{}`)}),
			textResponse("done"),
		},
	}
	e := newTestExecutor(store, p, WithTools(reg))

	if _, err := e.Execute(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "dump"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second := p.requests[len(p.requests)-1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.HasSuffix(last.Content, "[output truncated]") {
		t.Error("oversized tool result not truncated")
	}
	if len([]rune(last.Content)) > maxToolResultLen+100 {
		t.Errorf("truncated result still %d runes", len([]rune(last.Content)))
	}
}

func TestExecuteStreamPlainTurn(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o"})
	p := &fakeProvider{finalResp: textResponse("streamed answer")}
	e := newTestExecutor(store, p)

	ch := make(chan StreamEvent, 16)
	var events []StreamEvent
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			events = append(events, ev)
		}
	}()

	res, err := e.ExecuteStream(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "hi"}, ch)
	wg.Wait()
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("state = %q", res.State)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want delta + final", len(events))
	}
	if events[0].Type != EventTextDelta {
		t.Errorf("first event = %+v", events[0])
	}
	final := events[len(events)-1]
	if final.Type != EventFinal || final.Content != "streamed answer" {
		t.Errorf("final event = %+v", final)
	}
}

func TestExecuteStreamToolLoopEmitsRounds(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, Agent{Name: "a", Model: "gpt-4o", ToolsEnabled: true})

	tool := newFakeTool("search").on("find", func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: "found it"}, nil
	})
	reg := NewToolRegistry()
	reg.Add(tool)

	p := &fakeProvider{
		script: []ChatResponse{
			toolUseResponse(ToolCall{ID: "c1", Name: "search__find", Args: json.RawMessage(`{}`)}),
			textResponse("here you go"),
		},
	}
	e := newTestExecutor(store, p, WithTools(reg))

	ch := make(chan StreamEvent, 64)
	var events []StreamEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
		}
	}()

	if _, err := e.ExecuteStream(context.Background(), TurnRequest{ConversationID: conv.ID, UserText: "find it"}, ch); err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	<-done

	var sawRound, sawDelta, sawFinal bool
	for _, ev := range events {
		switch ev.Type {
		case EventToolRound:
			sawRound = true
			if ev.Name != "search__find" {
				t.Errorf("tool round name = %q", ev.Name)
			}
		case EventTextDelta:
			sawDelta = true
		case EventFinal:
			sawFinal = true
			if ev.Content != "here you go" {
				t.Errorf("final content = %q", ev.Content)
			}
		}
	}
	if !sawRound || !sawDelta || !sawFinal {
		t.Errorf("events missing: round=%v delta=%v final=%v", sawRound, sawDelta, sawFinal)
	}
}

func TestDispatchParallelPreservesOrder(t *testing.T) {
	store := newFakeStore()
	tool := newFakeTool("echo").on("say", func(_ context.Context, args json.RawMessage) (ToolResult, error) {
		var in struct {
			N     int `json:"n"`
			Sleep int `json:"sleep"`
		}
		json.Unmarshal(args, &in)
		time.Sleep(time.Duration(in.Sleep) * time.Millisecond)
		return ToolResult{Content: strings.Repeat("a", in.N)}, nil
	})
	reg := NewToolRegistry()
	reg.Add(tool)
	e := newTestExecutor(store, &fakeProvider{}, WithTools(reg))

	// Earlier calls sleep longer, so completion order inverts call order.
	calls := []ToolCall{
		{ID: "1", Name: "echo__say", Args: json.RawMessage(`{"n":1,"sleep":30}`)},
		{ID: "2", Name: "echo__say", Args: json.RawMessage(`{"n":2,"sleep":15}`)},
		{ID: "3", Name: "echo__say", Args: json.RawMessage(`{"n":3,"sleep":0}`)},
	}
	results := e.dispatchParallel(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, want := range []string{"a", "aa", "aaa"} {
		if results[i].content != want {
			t.Errorf("results[%d] = %q, want %q", i, results[i].content, want)
		}
	}
}

func TestDispatchParallelCancelledContext(t *testing.T) {
	store := newFakeStore()
	tool := newFakeTool("slow").on("wait", func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return ToolResult{Content: "done"}, nil
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
	})
	reg := NewToolRegistry()
	reg.Add(tool)
	e := newTestExecutor(store, &fakeProvider{}, WithTools(reg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := []ToolCall{
		{ID: "1", Name: "slow__wait", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "slow__wait", Args: json.RawMessage(`{}`)},
	}
	results := e.dispatchParallel(ctx, calls)
	for i, r := range results {
		if !r.isError {
			t.Errorf("results[%d] should be an error after cancellation", i)
		}
	}
}

func TestTruncateStr(t *testing.T) {
	if got := truncateStr("héllo", 3); got != "hél" {
		t.Errorf("truncateStr = %q", got)
	}
	if got := truncateStr("ab", 10); got != "ab" {
		t.Errorf("truncateStr short = %q", got)
	}
}
