// Package portico is the agent conversation core of a multi-tenant assistant
// platform: vendor-neutral chat providers, a bounded tool-calling loop,
// token-budgeted context assembly, persistent agent memory with incremental
// re-embedding, and a retrieval-augmented knowledge index.
//
// # Quick Start
//
// Wire a store, a provider router, and an executor:
//
//	pool, _ := pgxpool.New(ctx, dsn)
//	store := postgres.New(pool)
//	embedding := gemini.NewEmbedding(apiKey, "gemini-embedding-001", 1536)
//	memory := portico.NewMemory(store, embedding)
//
//	router, _ := route.New(route.Config{AnthropicAPIKey: key})
//	assembler := portico.NewAssembler(store, portico.WithMemoryRecall(memory))
//
//	exec := portico.NewExecutor(router, assembler, store)
//	exec.Register(memorytool.New(memory))
//
//	result, err := exec.Execute(ctx, portico.TurnRequest{
//		AgentID:        agentID,
//		ConversationID: convID,
//		Model:          "claude-sonnet-4-5",
//		UserMessage:    "What changed in the refund policy?",
//		ToolsEnabled:   true,
//	})
//
// # Core Interfaces
//
//   - Provider: one-shot, tool-augmented, and streaming generation against a
//     single vendor (provider/anthropic, provider/openaicompat,
//     provider/gemini, provider/ollama).
//   - EmbeddingProvider: text to vector embedding.
//   - Store: relational persistence with cosine vector search
//     (store/postgres on pgvector, store/sqlite for local use).
//   - Tool: a namespaced capability dispatched from the tool loop.
//
// Everything above the Store is backend-agnostic; everything below the
// Provider is vendor-agnostic.
package portico
