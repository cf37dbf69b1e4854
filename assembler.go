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

// Assembly tuning defaults.
const (
	// DefaultRecallThreshold is the minimum recall similarity; hits at or
	// below it are noise and never reach the prompt.
	DefaultRecallThreshold = 0.3
	// DefaultHistoryLimit is the history window when tools are disabled.
	DefaultHistoryLimit = 20
	// ToolHistoryLimit is the tighter window used when tools are enabled,
	// leaving headroom for tool-result messages inside the loop.
	ToolHistoryLimit = 4
	// historyMessageMax caps each replayed history message in characters.
	historyMessageMax = 1500
	// agentCacheTTL bounds staleness of cached agent rows.
	agentCacheTTL = 60 * time.Second
)

const truncationMarker = " …[truncated]"

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithMemoryRecall enables semantic recall from agent documents.
func WithMemoryRecall(m *Memory) AssemblerOption {
	return func(a *Assembler) { a.memory = m }
}

// WithKnowledge enables knowledge-base retrieval during assembly.
func WithKnowledge(k *KnowledgeBase) AssemblerOption {
	return func(a *Assembler) { a.knowledge = k }
}

// WithRecallThreshold overrides the minimum recall similarity.
func WithRecallThreshold(t float32) AssemblerOption {
	return func(a *Assembler) { a.recallThreshold = t }
}

// WithHistoryLimit overrides the no-tools history window.
func WithHistoryLimit(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithAssemblerLogger sets the structured logger.
func WithAssemblerLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = l }
}

// WithAssemblerTracer sets the tracer for assembly spans.
func WithAssemblerTracer(t Tracer) AssemblerOption {
	return func(a *Assembler) { a.tracer = t }
}

// Assembler builds the model-ready message list for one turn: system prompt
// from the agent's static documents, semantic recall, bounded history, and
// the incoming user message.
type Assembler struct {
	store           Store
	memory          *Memory
	knowledge       *KnowledgeBase
	recallThreshold float32
	historyLimit    int
	logger          *slog.Logger
	tracer          Tracer

	mu    sync.Mutex
	cache map[string]cachedAgent
}

type cachedAgent struct {
	agent   Agent
	expires time.Time
}

// NewAssembler creates an assembler over the store.
func NewAssembler(store Store, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		store:           store,
		recallThreshold: DefaultRecallThreshold,
		historyLimit:    DefaultHistoryLimit,
		logger:          nopLogger,
		cache:           make(map[string]cachedAgent),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AssembledContext is the result of one assembly pass.
type AssembledContext struct {
	Agent    Agent
	Messages []ChatMessage
	Sources  []SourceRef
}

// Assemble builds the message list for a turn. withTools selects the tighter
// history window: tool loops multiply messages per round, so the replayed
// window shrinks to keep requests bounded.
func (a *Assembler) Assemble(ctx context.Context, conv Conversation, userText string, withTools bool) (AssembledContext, error) {
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "context.assemble",
			StringAttr("conversation_id", conv.ID), BoolAttr("with_tools", withTools))
		defer span.End()
	}

	agent, err := a.agentByID(ctx, conv.AgentID)
	if err != nil {
		return AssembledContext{}, fmt.Errorf("load agent %s: %w", conv.AgentID, err)
	}

	system, sources, err := a.systemPrompt(ctx, agent, userText, withTools)
	if err != nil {
		return AssembledContext{}, err
	}

	limit := a.historyLimit
	if withTools {
		limit = ToolHistoryLimit
	}
	history, err := a.store.RecentMessages(ctx, conv.ID, limit)
	if err != nil {
		return AssembledContext{}, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]ChatMessage, 0, len(history)+2)
	msgs = append(msgs, SystemMessage(system))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if truncated := truncateStr(content, historyMessageMax); truncated != content {
			content = truncated + truncationMarker
		}
		role := m.Role
		if role != "user" && role != "assistant" {
			continue // tool and system rows never replay
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: content})
	}
	msgs = append(msgs, UserMessage(userText))

	a.logger.Debug("context assembled",
		"agent_id", agent.ID, "history", len(history), "sources", len(sources))
	return AssembledContext{Agent: agent, Messages: msgs, Sources: sources}, nil
}

// systemPrompt builds the system prompt base: the persona document (plus the
// business-context document after a "---" divider) when persona-memory mode is
// on and a persona doc exists, else the agent's static instructions, else a
// generic assistant prompt. The tool policy, knowledge block, and recall block
// follow the base.
func (a *Assembler) systemPrompt(ctx context.Context, agent Agent, userText string, withTools bool) (string, []SourceRef, error) {
	var parts []string
	var sources []SourceRef

	if agent.PersonaMemory {
		for _, key := range []string{DocKeyPersona, DocKeyBusinessContext} {
			if key == DocKeyBusinessContext && len(parts) == 0 {
				break // business context only rides along with a persona doc
			}
			doc, err := a.store.GetAgentDocument(ctx, agent.ID, key)
			if err != nil {
				var nf *ErrNotFound
				if errors.As(err, &nf) {
					continue
				}
				return "", nil, fmt.Errorf("load document %s: %w", key, err)
			}
			if text := strings.TrimSpace(doc.Content); text != "" {
				parts = append(parts, text)
				sources = append(sources, SourceRef{DocKey: key, DocType: doc.DocType})
			}
		}
	}
	if len(parts) == 0 {
		if instr := strings.TrimSpace(agent.Instructions); instr != "" {
			parts = append(parts, instr)
		} else {
			parts = append(parts, defaultSystemPrompt)
		}
	}

	if withTools {
		parts = append(parts, toolPolicy)
	}

	if a.knowledge != nil {
		block, kbSources, err := a.knowledge.Context(ctx, agent.ID, userText, 5, DefaultRetrievalBudget)
		if err != nil {
			a.logger.Warn("knowledge retrieval failed", "agent_id", agent.ID, "error", err)
		} else if block != "" {
			parts = append(parts, "Reference material:\n\n"+block)
			sources = append(sources, kbSources...)
		}
	}

	if agent.PersonaMemory {
		if recall := a.recall(ctx, agent, userText); recall != "" {
			parts = append(parts, recall)
		}
	}

	var clean []string
	for _, p := range parts {
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "\n\n---\n\n"), sources, nil
}

// recall searches agent memory and renders above-threshold hits as a bullet
// list tagged by source document. Recall failures degrade to no recall; a
// turn must not die because the vector store hiccupped.
func (a *Assembler) recall(ctx context.Context, agent Agent, userText string) string {
	if a.memory == nil || strings.TrimSpace(userText) == "" {
		return ""
	}
	hits, err := a.memory.Search(ctx, agent.ID, userText, 5)
	if err != nil {
		a.logger.Warn("memory recall failed", "agent_id", agent.ID, "error", err)
		return ""
	}
	var b strings.Builder
	for _, h := range hits {
		if h.Score <= a.recallThreshold {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Relevant memory:\n")
		}
		fmt.Fprintf(&b, "- [%s] %s\n", h.DocKey, strings.TrimSpace(h.Content))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Agent returns an agent by id, serving from the TTL cache when fresh.
func (a *Assembler) Agent(ctx context.Context, id string) (Agent, error) {
	return a.agentByID(ctx, id)
}

// agentByID returns the agent, serving from cache within the TTL. Admin
// edits to an agent can lag visibly by up to the TTL.
func (a *Assembler) agentByID(ctx context.Context, id string) (Agent, error) {
	now := time.Now()
	a.mu.Lock()
	if c, ok := a.cache[id]; ok && now.Before(c.expires) {
		a.mu.Unlock()
		return c.agent, nil
	}
	a.mu.Unlock()

	agent, err := a.store.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	a.mu.Lock()
	a.cache[id] = cachedAgent{agent: agent, expires: now.Add(agentCacheTTL)}
	a.mu.Unlock()
	return agent, nil
}

// InvalidateAgent drops an agent from the cache, forcing the next assembly
// to reload it. Admin update paths call this after writes.
func (a *Assembler) InvalidateAgent(id string) {
	a.mu.Lock()
	delete(a.cache, id)
	a.mu.Unlock()
}

const defaultSystemPrompt = `You are a helpful assistant. Answer the user's questions accurately and concisely.`

const toolPolicy = `You have access to tools: web search and page fetch, memory read and write, and external capability tools. Call a tool when the answer requires data you do not already have. For time-sensitive questions, prefer a tool call over answering from training data, which may be stale. After receiving tool results, answer the user directly; do not call tools you do not need.`
