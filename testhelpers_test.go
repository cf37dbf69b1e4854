package portico

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// fakeStore is an in-memory Store for executor, assembler, and memory tests.
// Vector search returns canned results set by the test.
type fakeStore struct {
	mu          sync.Mutex
	agents      map[string]Agent
	convs       map[string]Conversation
	byToken     map[string]string
	messages    map[string][]Message
	docs        map[string]AgentDocument // agentID + "/" + docKey
	memChunks   map[string][]MemoryChunk // by document id
	knowDocs    map[string]KnowledgeDocument
	knowChunks  map[string][]KnowledgeChunk
	memSearch   []ScoredMemoryChunk
	knowSearch  []ScoredKnowledgeChunk
	agentLoads  int
	recentLimit int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:     make(map[string]Agent),
		convs:      make(map[string]Conversation),
		byToken:    make(map[string]string),
		messages:   make(map[string][]Message),
		docs:       make(map[string]AgentDocument),
		memChunks:  make(map[string][]MemoryChunk),
		knowDocs:   make(map[string]KnowledgeDocument),
		knowChunks: make(map[string][]KnowledgeChunk),
	}
}

func (s *fakeStore) CreateAgent(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
	return nil
}

func (s *fakeStore) GetAgent(_ context.Context, id string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentLoads++
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, NotFound("agent", id)
	}
	return a, nil
}

func (s *fakeStore) UpdateAgent(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return NotFound("agent", a.ID)
	}
	s.agents[a.ID] = a
	return nil
}

func (s *fakeStore) ListAgents(_ context.Context) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) CreateConversation(_ context.Context, c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c
	s.byToken[c.SessionToken] = c.ID
	return nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, NotFound("conversation", id)
	}
	return c, nil
}

func (s *fakeStore) GetConversationByToken(_ context.Context, token string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return Conversation{}, NotFound("conversation", token)
	}
	return s.convs[id], nil
}

func (s *fakeStore) AppendMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Seq = int64(len(s.messages[msg.ConversationID]) + 1)
	msg.CreatedAt = NowUnix()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	c := s.convs[msg.ConversationID]
	c.MessageCount++
	s.convs[msg.ConversationID] = c
	return msg, nil
}

func (s *fakeStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentLimit = limit
	msgs := s.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *fakeStore) UpsertAgentDocument(_ context.Context, doc AgentDocument) (AgentDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := doc.AgentID + "/" + doc.DocKey
	if old, ok := s.docs[key]; ok {
		doc.ID = old.ID
		doc.CreatedAt = old.CreatedAt
	}
	s.docs[key] = doc
	return doc, nil
}

func (s *fakeStore) GetAgentDocument(_ context.Context, agentID, docKey string) (AgentDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[agentID+"/"+docKey]
	if !ok {
		return AgentDocument{}, NotFound("document", docKey)
	}
	return doc, nil
}

func (s *fakeStore) ListAgentDocuments(_ context.Context, agentID string) ([]AgentDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentDocument
	for _, d := range s.docs {
		if d.AgentID == agentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteAgentDocument(_ context.Context, agentID, docKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentID + "/" + docKey
	doc, ok := s.docs[key]
	if !ok {
		return NotFound("document", docKey)
	}
	delete(s.docs, key)
	delete(s.memChunks, doc.ID)
	return nil
}

func (s *fakeStore) ReplaceMemoryChunks(_ context.Context, documentID string, deleteHashes []string, insert []MemoryChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(deleteHashes))
	for _, h := range deleteHashes {
		drop[h] = true
	}
	var kept []MemoryChunk
	for _, c := range s.memChunks[documentID] {
		if !drop[c.ContentHash] {
			kept = append(kept, c)
		}
	}
	s.memChunks[documentID] = append(kept, insert...)
	return nil
}

func (s *fakeStore) ListMemoryChunkHashes(_ context.Context, documentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.memChunks[documentID] {
		out = append(out, c.ContentHash)
	}
	return out, nil
}

func (s *fakeStore) SearchMemoryChunks(_ context.Context, _ string, _ []float32, topK int) ([]ScoredMemoryChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.memSearch
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *fakeStore) StoreKnowledgeDocument(_ context.Context, doc KnowledgeDocument, chunks []KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowDocs[doc.ID] = doc
	s.knowChunks[doc.ID] = chunks
	return nil
}

func (s *fakeStore) GetKnowledgeDocument(_ context.Context, id string) (KnowledgeDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.knowDocs[id]
	if !ok {
		return KnowledgeDocument{}, NotFound("knowledge document", id)
	}
	return doc, nil
}

func (s *fakeStore) ListKnowledgeDocuments(_ context.Context, agentID string) ([]KnowledgeDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KnowledgeDocument
	for _, d := range s.knowDocs {
		if d.AgentID == agentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteKnowledgeDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.knowDocs, id)
	delete(s.knowChunks, id)
	return nil
}

func (s *fakeStore) SearchKnowledgeChunks(_ context.Context, _ string, _ []float32, topK int) ([]ScoredKnowledgeChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.knowSearch
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *fakeStore) Init(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

// fakeProvider plays back scripted responses. ChatWithTools consumes the
// script in order; Chat returns finalResp (used by the synthesis call and
// plain turns). ChatStream emits the response content as a single delta.
type fakeProvider struct {
	mu        sync.Mutex
	script    []ChatResponse
	finalResp ChatResponse
	requests  []ChatRequest
	toolDefs  [][]ToolDefinition
}

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.finalResp, nil
}

func (p *fakeProvider) ChatWithTools(_ context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.toolDefs = append(p.toolDefs, tools)
	if len(p.script) == 0 {
		return p.finalResp, nil
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return resp, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	resp := p.finalResp
	p.mu.Unlock()
	select {
	case ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}:
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
	return resp, nil
}

func (p *fakeProvider) Name() string { return "fake" }

type fakeResolver struct{ p Provider }

func (r fakeResolver) Resolve(string) (Provider, error) { return r.p, nil }

// fakeEmbedder returns a fixed-dimension vector per text and records every
// batch it was asked to embed.
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := make([]string, len(texts))
	copy(batch, texts)
	e.batches = append(e.batches, batch)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return 3 }
func (e *fakeEmbedder) Name() string    { return "fake" }

func (e *fakeEmbedder) embeddedTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, b := range e.batches {
		out = append(out, b...)
	}
	return out
}

// fakeTool wraps a function under a namespace with one definition per name.
type fakeTool struct {
	namespace string
	fns       map[string]func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func newFakeTool(namespace string) *fakeTool {
	return &fakeTool{
		namespace: namespace,
		fns:       make(map[string]func(context.Context, json.RawMessage) (ToolResult, error)),
	}
}

func (t *fakeTool) on(name string, fn func(context.Context, json.RawMessage) (ToolResult, error)) *fakeTool {
	t.fns[name] = fn
	return t
}

func (t *fakeTool) Namespace() string { return t.namespace }

func (t *fakeTool) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for name := range t.fns {
		defs = append(defs, ToolDefinition{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object"}`),
		})
	}
	return defs
}

func (t *fakeTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	fn, ok := t.fns[name]
	if !ok {
		return ToolResult{}, fmt.Errorf("no such function %q", name)
	}
	return fn(ctx, args)
}

// seedConversation creates an agent and a conversation bound to it.
func seedConversation(s *fakeStore, agent Agent) Conversation {
	if agent.ID == "" {
		agent.ID = NewID()
	}
	s.CreateAgent(context.Background(), agent)
	conv := NewConversation(agent.ID, "user-1")
	s.CreateConversation(context.Background(), conv)
	return conv
}

func toolUseResponse(calls ...ToolCall) ChatResponse {
	return ChatResponse{
		Type:       ResponseToolUse,
		ToolCalls:  calls,
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func textResponse(content string) ChatResponse {
	return ChatResponse{
		Type:       ResponseText,
		Content:    content,
		StopReason: StopEndTurn,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
}
