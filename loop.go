package portico

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LoopState names the phase a turn finished in.
type LoopState string

const (
	StateAwaitingModel      LoopState = "awaiting_model"
	StateExecutingTools     LoopState = "executing_tools"
	StateDone               LoopState = "done"
	StateRoundLimitExceeded LoopState = "round_limit_exceeded"
	StateBlocked            LoopState = "blocked"
)

// DefaultRoundLimit bounds tool-calling rounds per turn. A model that is
// still asking for tools at the cap is forced to answer with what it has.
const DefaultRoundLimit = 5

// maxToolResultLen caps a tool result appended to the loop's message history,
// in runes. Stream events retain the full content.
const maxToolResultLen = 100_000

// maxParallelDispatch caps concurrent tool call goroutines within one round.
const maxParallelDispatch = 10

// TurnRequest is one user turn. Exactly one of SessionToken and
// ConversationID must be set: external callers present the capability token,
// trusted internal callers may address the conversation directly.
type TurnRequest struct {
	SessionToken   string
	ConversationID string
	UserText       string
}

// TurnResult is the outcome of an executed turn. Message is the persisted
// assistant message, Meta included.
type TurnResult struct {
	Message Message
	State   LoopState
	Rounds  int
	Usage   Usage
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTools sets the tool registry. Without one, every turn is a plain chat.
func WithTools(r *ToolRegistry) ExecutorOption {
	return func(e *Executor) { e.registry = r }
}

// WithRoundLimit overrides the tool-calling round cap.
func WithRoundLimit(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.roundLimit = n
		}
	}
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer sets the tracer for turn and round spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithInputGuards adds guards run against the user text before any model
// call. A guard returning ErrBlocked ends the turn with its canned reply.
func WithInputGuards(guards ...InputGuard) ExecutorOption {
	return func(e *Executor) { e.inputGuards = append(e.inputGuards, guards...) }
}

// WithOutputGuards adds guards run against each model response. Guards may
// mutate the response (trim tool calls) or return ErrBlocked.
func WithOutputGuards(guards ...OutputGuard) ExecutorOption {
	return func(e *Executor) { e.outputGuards = append(e.outputGuards, guards...) }
}

// Executor runs complete conversation turns: context assembly, the bounded
// tool-calling loop, and persistence of both sides of the exchange.
type Executor struct {
	store        Store
	resolver     ProviderResolver
	assembler    *Assembler
	registry     *ToolRegistry
	roundLimit   int
	inputGuards  []InputGuard
	outputGuards []OutputGuard
	logger       *slog.Logger
	tracer       Tracer
}

// NewExecutor creates a turn executor.
func NewExecutor(store Store, resolver ProviderResolver, assembler *Assembler, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:      store,
		resolver:   resolver,
		assembler:  assembler,
		roundLimit: DefaultRoundLimit,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one turn to completion and returns the persisted assistant
// message.
func (e *Executor) Execute(ctx context.Context, req TurnRequest) (TurnResult, error) {
	return e.run(ctx, req, nil)
}

// ExecuteStream runs one turn, emitting StreamEvents into ch. Outside a tool
// loop the provider's own deltas flow through; during a loop, tool-round
// progress is emitted and the final answer is played back word by word. The
// channel is closed when the turn ends, success or not.
func (e *Executor) ExecuteStream(ctx context.Context, req TurnRequest, ch chan<- StreamEvent) (TurnResult, error) {
	defer close(ch)
	return e.run(ctx, req, ch)
}

func (e *Executor) run(ctx context.Context, req TurnRequest, ch chan<- StreamEvent) (TurnResult, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return TurnResult{}, &ErrConfig{Field: "user_text", Message: "empty turn"}
	}

	conv, err := e.conversation(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "turn.execute",
			StringAttr("conversation_id", conv.ID),
			StringAttr("agent_id", conv.AgentID))
		defer span.End()
	}

	for _, g := range e.inputGuards {
		if err := g.CheckInput(ctx, req.UserText); err != nil {
			var blocked *ErrBlocked
			if errors.As(err, &blocked) {
				return e.blockedTurn(ctx, conv, req.UserText, blocked.Response, ch)
			}
			return TurnResult{}, err
		}
	}

	agent, err := e.assembler.Agent(ctx, conv.AgentID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load agent: %w", err)
	}
	withTools := agent.ToolsEnabled && e.registry != nil && e.registry.Len() > 0
	ctx = WithAgentID(ctx, agent.ID)

	ac, err := e.assembler.Assemble(ctx, conv, req.UserText, withTools)
	if err != nil {
		return TurnResult{}, err
	}

	provider, err := e.resolver.Resolve(agent.Model)
	if err != nil {
		return TurnResult{}, fmt.Errorf("resolve model %q: %w", agent.Model, err)
	}

	// The user's side of the exchange is durable before the first vendor
	// call: a failed turn still shows what was asked.
	if _, err := e.store.AppendMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        req.UserText,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist user message: %w", err)
	}

	if !withTools {
		return e.plainTurn(ctx, conv, agent, provider, ac, ch)
	}
	return e.toolLoop(ctx, conv, agent, provider, ac, ch)
}

// plainTurn is a single model call with no tools. Streaming callers get the
// provider's own deltas.
func (e *Executor) plainTurn(ctx context.Context, conv Conversation, agent Agent, provider Provider, ac AssembledContext, ch chan<- StreamEvent) (TurnResult, error) {
	chatReq := ChatRequest{Model: agent.Model, Messages: ac.Messages}

	var resp ChatResponse
	var err error
	if ch != nil {
		resp, err = provider.ChatStream(ctx, chatReq, ch)
	} else {
		resp, err = provider.Chat(ctx, chatReq)
	}
	if err != nil {
		return TurnResult{State: StateAwaitingModel}, err
	}
	if blockedResp, gerr := e.guardOutput(ctx, &resp); gerr != nil {
		return TurnResult{}, gerr
	} else if blockedResp != "" {
		msg, err := e.persistAssistant(ctx, conv, blockedResp, nil, nil)
		if err != nil {
			return TurnResult{}, err
		}
		if ch != nil {
			e.emit(ctx, ch, StreamEvent{Type: EventFinal, Content: blockedResp})
		}
		return TurnResult{Message: msg, State: StateBlocked, Usage: resp.Usage}, nil
	}
	if ch != nil {
		e.emit(ctx, ch, StreamEvent{Type: EventFinal, Content: resp.Content})
	}

	msg, err := e.persistAssistant(ctx, conv, resp.Content, ac.Sources, nil)
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{Message: msg, State: StateDone, Rounds: 0, Usage: resp.Usage}, nil
}

// toolLoop is the bounded tool-calling loop. Each round is one model call;
// a tool_use response dispatches every requested call, feeds the results
// back keyed by call id, and re-invokes the model. At the round cap the
// model is re-invoked once more without tools to synthesize an answer.
func (e *Executor) toolLoop(ctx context.Context, conv Conversation, agent Agent, provider Provider, ac AssembledContext, ch chan<- StreamEvent) (TurnResult, error) {
	defs := e.registry.AllDefinitions()
	msgs := ac.Messages
	state := StateAwaitingModel
	var traces []ToolTrace
	var usage Usage

	for round := 0; round < e.roundLimit; round++ {
		roundCtx := ctx
		var roundSpan Span
		if e.tracer != nil {
			roundCtx, roundSpan = e.tracer.Start(ctx, "turn.round", IntAttr("round", round))
		}

		resp, err := provider.ChatWithTools(roundCtx, ChatRequest{Model: agent.Model, Messages: msgs}, defs)
		if err != nil {
			if roundSpan != nil {
				roundSpan.Error(err)
				roundSpan.End()
			}
			return TurnResult{State: state, Rounds: round, Usage: usage}, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if blockedResp, gerr := e.guardOutput(roundCtx, &resp); gerr != nil {
			if roundSpan != nil {
				roundSpan.End()
			}
			return TurnResult{}, gerr
		} else if blockedResp != "" {
			if roundSpan != nil {
				roundSpan.End()
			}
			e.playback(ctx, ch, blockedResp)
			msg, err := e.persistAssistant(ctx, conv, blockedResp, nil, traces)
			if err != nil {
				return TurnResult{}, err
			}
			return TurnResult{Message: msg, State: StateBlocked, Rounds: round, Usage: usage}, nil
		}

		if resp.Type != ResponseToolUse || len(resp.ToolCalls) == 0 {
			if roundSpan != nil {
				roundSpan.End()
			}
			e.playback(ctx, ch, resp.Content)
			msg, err := e.persistAssistant(ctx, conv, resp.Content, ac.Sources, traces)
			if err != nil {
				return TurnResult{}, err
			}
			return TurnResult{Message: msg, State: StateDone, Rounds: round, Usage: usage}, nil
		}

		state = StateExecutingTools
		if roundSpan != nil {
			roundSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}
		msgs = append(msgs, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		results := e.dispatchParallel(roundCtx, resp.ToolCalls)
		for j, tc := range resp.ToolCalls {
			r := results[j]
			traces = append(traces, ToolTrace{
				Name:       tc.Name,
				DurationMs: r.duration.Milliseconds(),
				OK:         !r.isError,
			})
			if ch != nil {
				e.emit(ctx, ch, StreamEvent{Type: EventToolRound, Name: tc.Name})
			}
			content := r.content
			if len([]rune(content)) > maxToolResultLen {
				content = truncateStr(content, maxToolResultLen) + "\n\n[output truncated]"
			}
			msgs = append(msgs, ToolResultMessage(tc.ID, content))
		}
		if roundSpan != nil {
			roundSpan.End()
		}
		state = StateAwaitingModel
	}

	// Round cap reached. One final call, tools withheld, so the turn ends
	// with prose instead of an unanswerable tool request.
	e.logger.Warn("tool round limit reached, forcing synthesis",
		"conversation_id", conv.ID, "limit", e.roundLimit)
	msgs = append(msgs, UserMessage(
		"You have used all available tool calls. Answer the user with what you found."))
	resp, err := provider.Chat(ctx, ChatRequest{Model: agent.Model, Messages: msgs})
	if err != nil {
		return TurnResult{State: StateRoundLimitExceeded, Rounds: e.roundLimit, Usage: usage}, err
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	if blockedResp, gerr := e.guardOutput(ctx, &resp); gerr != nil {
		return TurnResult{}, gerr
	} else if blockedResp != "" {
		e.playback(ctx, ch, blockedResp)
		msg, err := e.persistAssistant(ctx, conv, blockedResp, nil, traces)
		if err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Message: msg, State: StateBlocked, Rounds: e.roundLimit, Usage: usage}, nil
	}

	e.playback(ctx, ch, resp.Content)
	msg, err := e.persistAssistant(ctx, conv, resp.Content, ac.Sources, traces)
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{Message: msg, State: StateRoundLimitExceeded, Rounds: e.roundLimit, Usage: usage}, nil
}

// blockedTurn persists both sides of a guard-blocked exchange. The user
// message is still recorded so the block is auditable.
func (e *Executor) blockedTurn(ctx context.Context, conv Conversation, userText, response string, ch chan<- StreamEvent) (TurnResult, error) {
	e.logger.Warn("turn blocked by guard", "conversation_id", conv.ID)
	if _, err := e.store.AppendMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        userText,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist user message: %w", err)
	}
	msg, err := e.persistAssistant(ctx, conv, response, nil, nil)
	if err != nil {
		return TurnResult{}, err
	}
	if ch != nil {
		e.emit(ctx, ch, StreamEvent{Type: EventFinal, Content: response})
	}
	return TurnResult{Message: msg, State: StateBlocked}, nil
}

// guardOutput runs output guards over resp, which guards may mutate. The
// returned string is the canned reply when a guard blocked the turn.
func (e *Executor) guardOutput(ctx context.Context, resp *ChatResponse) (string, error) {
	for _, g := range e.outputGuards {
		if err := g.CheckOutput(ctx, resp); err != nil {
			var blocked *ErrBlocked
			if errors.As(err, &blocked) {
				return blocked.Response, nil
			}
			return "", err
		}
	}
	return "", nil
}

// conversation resolves the turn's conversation. Token lookups are the
// capability check: an unknown token is indistinguishable from a missing
// conversation.
func (e *Executor) conversation(ctx context.Context, req TurnRequest) (Conversation, error) {
	switch {
	case req.SessionToken != "":
		return e.store.GetConversationByToken(ctx, req.SessionToken)
	case req.ConversationID != "":
		return e.store.GetConversation(ctx, req.ConversationID)
	default:
		return Conversation{}, &ErrConfig{Field: "conversation", Message: "no session token or conversation id"}
	}
}

func (e *Executor) persistAssistant(ctx context.Context, conv Conversation, content string, sources []SourceRef, traces []ToolTrace) (Message, error) {
	msg := Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        content,
	}
	if len(sources) > 0 || len(traces) > 0 {
		msg.Meta = &MessageMeta{Sources: sources, ToolsUsed: traces}
	}
	stored, err := e.store.AppendMessage(ctx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("persist assistant message: %w", err)
	}
	return stored, nil
}

// playback replays a completed answer as word-sized deltas followed by a
// final event. Used after a tool loop, where no true token stream exists.
func (e *Executor) playback(ctx context.Context, ch chan<- StreamEvent, content string) {
	if ch == nil {
		return
	}
	for _, word := range strings.SplitAfter(content, " ") {
		if word == "" {
			continue
		}
		if !e.emit(ctx, ch, StreamEvent{Type: EventTextDelta, Content: word}) {
			return
		}
	}
	e.emit(ctx, ch, StreamEvent{Type: EventFinal, Content: content})
}

func (e *Executor) emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// --- parallel tool dispatch ---

type toolExecResult struct {
	content  string
	duration time.Duration
	isError  bool
}

type indexedResult struct {
	idx    int
	result toolExecResult
}

// execOne runs one tool call with panic recovery. A panicking tool becomes
// an error result the model can read, not a dead process.
func (e *Executor) execOne(ctx context.Context, tc ToolCall) (out toolExecResult) {
	start := time.Now()
	defer func() {
		out.duration = time.Since(start)
		if p := recover(); p != nil {
			out = toolExecResult{
				content:  fmt.Sprintf("error: tool %q panic: %v", tc.Name, p),
				duration: time.Since(start),
				isError:  true,
			}
		}
	}()
	result, err := e.registry.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		return toolExecResult{content: "error: " + err.Error(), isError: true}
	}
	if result.Error != "" {
		return toolExecResult{content: "error: " + result.Error, isError: true}
	}
	return toolExecResult{content: result.Content}
}

// dispatchParallel runs all calls of one round concurrently and returns
// results in call order. A single call runs inline; multiple calls use a
// fixed worker pool of min(len(calls), maxParallelDispatch) goroutines.
func (e *Executor) dispatchParallel(ctx context.Context, calls []ToolCall) []toolExecResult {
	if len(calls) == 1 {
		return []toolExecResult{e.execOne(ctx, calls[0])}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}}
					continue
				}
				resultCh <- indexedResult{w.idx, e.execOne(ctx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				received = len(calls)
				break
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = toolExecResult{content: "error: result not received", isError: true}
		}
	}
	return results
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
