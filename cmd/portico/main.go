// Command portico is the conversation-core CLI: provision agents, open
// conversations, chat with streaming output, and manage the knowledge base.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porticoai/portico"
	"github.com/porticoai/portico/ingest"
	"github.com/porticoai/portico/internal/config"
	"github.com/porticoai/portico/observer"
	"github.com/porticoai/portico/provider/route"
	"github.com/porticoai/portico/store/postgres"
	"github.com/porticoai/portico/store/sqlite"
	datatool "github.com/porticoai/portico/tools/data"
	externaltool "github.com/porticoai/portico/tools/external"
	knowledgetool "github.com/porticoai/portico/tools/knowledge"
	memorytool "github.com/porticoai/portico/tools/memory"
	webtool "github.com/porticoai/portico/tools/web"
)

const usage = `usage: portico <command> [flags]

commands:
  agent create   -name NAME [-model MODEL] [-instructions TEXT] [-tools] [-persona]
  agent list
  conversation new -agent ID [-user ID]
  chat           -token TOKEN
  ingest         -agent ID -file PATH
  search         -agent ID -query TEXT [-topk N]
  models
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load(os.Getenv("PORTICO_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := context.Background()

	app, shutdown, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer shutdown(ctx)

	switch os.Args[1] {
	case "agent":
		err = app.agentCmd(ctx, os.Args[2:])
	case "conversation":
		err = app.conversationCmd(ctx, os.Args[2:])
	case "chat":
		err = app.chatCmd(ctx, os.Args[2:])
	case "ingest":
		err = app.ingestCmd(ctx, os.Args[2:])
	case "search":
		err = app.searchCmd(ctx, os.Args[2:])
	case "models":
		err = app.modelsCmd()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "portico:", err)
	os.Exit(1)
}

// app holds the wired conversation pipeline shared by all subcommands.
type app struct {
	cfg       config.Config
	store     portico.Store
	router    *route.Router
	embedding portico.EmbeddingProvider
	memory    *portico.Memory
	knowledge *portico.KnowledgeBase
	ingestor  *ingest.Ingestor
	executor  *portico.Executor
	logger    *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, func(context.Context) error, error) {
	shutdown := func(context.Context) error { return nil }

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}

	creds := route.Credentials{
		AnthropicKey:  cfg.Providers.AnthropicAPIKey,
		GeminiKey:     cfg.Providers.GeminiAPIKey,
		OpenAIKey:     cfg.Providers.OpenAIAPIKey,
		OpenAIBaseURL: cfg.Providers.OpenAIBaseURL,
		OllamaBaseURL: cfg.Providers.OllamaBaseURL,
	}
	embedding, err := route.Embedding(creds, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, nil, err
	}
	embedding = portico.WithEmbeddingRetry(embedding,
		portico.RetryMaxAttempts(cfg.Chat.RetryAttempts),
		portico.RetryLogger(logger))

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, nil, fmt.Errorf("init observer: %w", err)
		}
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}

	// Every cached vendor adapter gets retry, then optional rate limiting,
	// with observation outermost so recorded latency covers the waits.
	router := route.New(creds, route.WithAdapterWrap(func(p portico.Provider) portico.Provider {
		p = portico.WithRetry(p,
			portico.RetryMaxAttempts(cfg.Chat.RetryAttempts),
			portico.RetryLogger(logger))
		if cfg.Chat.RPM > 0 || cfg.Chat.TPM > 0 {
			p = portico.WithRateLimit(p, portico.RPM(cfg.Chat.RPM), portico.TPM(cfg.Chat.TPM))
		}
		if inst != nil {
			p = observer.WrapProvider(p, inst)
		}
		return p
	}))

	memory := portico.NewMemory(store, embedding, portico.WithMemoryLogger(logger))
	knowledge := portico.NewKnowledgeBase(store, embedding, portico.WithKnowledgeLogger(logger))
	ingestor := ingest.NewIngestor(store, embedding, ingest.WithLogger(logger))

	registry := portico.NewToolRegistry()
	tools := []portico.Tool{
		memorytool.New(memory),
		knowledgetool.New(knowledge),
		datatool.New(),
		webtool.New(embedding, cfg.Search.BraveAPIKey, webtool.WithLogger(logger)),
	}
	for _, ext := range cfg.ExternalTools {
		tools = append(tools, externaltool.New(ext.Namespace, ext.URL, externaltool.WithSecret(ext.Secret)))
	}
	for _, t := range tools {
		if inst != nil {
			registry.Add(observer.WrapTool(t, inst))
		} else {
			registry.Add(t)
		}
	}

	assembler := portico.NewAssembler(store,
		portico.WithMemoryRecall(memory),
		portico.WithKnowledge(knowledge),
		portico.WithRecallThreshold(float32(cfg.Chat.RecallThreshold)),
		portico.WithHistoryLimit(cfg.Chat.HistoryLimit),
		portico.WithAssemblerLogger(logger))

	execOpts := []portico.ExecutorOption{
		portico.WithTools(registry),
		portico.WithRoundLimit(cfg.Chat.RoundLimit),
		portico.WithExecutorLogger(logger),
	}
	if inst != nil {
		execOpts = append(execOpts, portico.WithExecutorTracer(observer.NewTracer()))
	}
	if cfg.Guard.Injection {
		execOpts = append(execOpts, portico.WithInputGuards(
			portico.NewInjectionGuard(portico.InjectionLogger(logger))))
	}
	if cfg.Guard.MaxInputChars > 0 {
		execOpts = append(execOpts, portico.WithInputGuards(
			portico.NewContentGuard(
				portico.MaxInputLength(cfg.Guard.MaxInputChars),
				portico.ContentLogger(logger))))
	}
	if cfg.Guard.MaxToolCalls > 0 {
		execOpts = append(execOpts, portico.WithOutputGuards(
			portico.NewMaxToolCallsGuard(cfg.Guard.MaxToolCalls)))
	}
	executor := portico.NewExecutor(store, router, assembler, execOpts...)

	return &app{
		cfg:       cfg,
		store:     store,
		router:    router,
		embedding: embedding,
		memory:    memory,
		knowledge: knowledge,
		ingestor:  ingestor,
		executor:  executor,
		logger:    logger,
	}, shutdown, nil
}

func openStore(ctx context.Context, cfg config.Config) (portico.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions)), nil
	case "sqlite", "":
		return sqlite.New(cfg.Database.Path), nil
	default:
		return nil, &portico.ErrConfig{Field: "database.driver", Message: "unknown driver " + cfg.Database.Driver}
	}
}

func (a *app) agentCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: portico agent <create|list>")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("agent create", flag.ExitOnError)
		name := fs.String("name", "", "agent name")
		model := fs.String("model", a.cfg.Chat.DefaultModel, "default model")
		instructions := fs.String("instructions", "You are a helpful assistant.", "system instructions")
		tools := fs.Bool("tools", false, "enable tool calling")
		persona := fs.Bool("persona", false, "enable persona documents and memory")
		fs.Parse(args[1:])
		if *name == "" {
			return fmt.Errorf("-name is required")
		}

		agent := portico.NewAgent(*name, *model, *instructions)
		agent.ToolsEnabled = *tools
		agent.PersonaMemory = *persona
		if err := a.store.CreateAgent(ctx, agent); err != nil {
			return err
		}
		fmt.Printf("agent %s created (model %s)\n", agent.ID, agent.Model)
		return nil

	case "list":
		agents, err := a.store.ListAgents(ctx)
		if err != nil {
			return err
		}
		for _, ag := range agents {
			fmt.Printf("%s  %-20s  %s\n", ag.ID, ag.Name, ag.Model)
		}
		return nil

	default:
		return fmt.Errorf("unknown agent subcommand %q", args[0])
	}
}

func (a *app) conversationCmd(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "new" {
		return fmt.Errorf("usage: portico conversation new -agent ID [-user ID]")
	}
	fs := flag.NewFlagSet("conversation new", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id")
	user := fs.String("user", "cli", "external user id")
	fs.Parse(args[1:])
	if *agentID == "" {
		return fmt.Errorf("-agent is required")
	}
	if _, err := a.store.GetAgent(ctx, *agentID); err != nil {
		return err
	}

	conv := portico.NewConversation(*agentID, *user)
	if err := a.store.CreateConversation(ctx, conv); err != nil {
		return err
	}
	fmt.Printf("conversation %s\nsession token %s\n", conv.ID, conv.SessionToken)
	return nil
}

func (a *app) chatCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	token := fs.String("token", "", "session token")
	fs.Parse(args)
	if *token == "" {
		return fmt.Errorf("-token is required")
	}
	if _, err := a.store.GetConversationByToken(ctx, *token); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("connected; empty line exits")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil
		}

		ch := make(chan portico.StreamEvent, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range ch {
				switch ev.Type {
				case portico.EventTextDelta:
					fmt.Print(ev.Content)
				case portico.EventToolRound:
					fmt.Printf("\n[%s]\n", ev.Name)
				}
			}
		}()

		result, err := a.executor.ExecuteStream(ctx, portico.TurnRequest{
			SessionToken: *token,
			UserText:     line,
		}, ch)
		<-done
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, "turn failed:", err)
			continue
		}
		if result.State == portico.StateRoundLimitExceeded {
			fmt.Fprintln(os.Stderr, "(tool round limit reached)")
		}
	}
}

func (a *app) ingestCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id")
	file := fs.String("file", "", "path to document")
	fs.Parse(args)
	if *agentID == "" || *file == "" {
		return fmt.Errorf("-agent and -file are required")
	}
	if _, err := a.store.GetAgent(ctx, *agentID); err != nil {
		return err
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := a.ingestor.IngestReader(ctx, *agentID, f, *file)
	if err != nil {
		return err
	}
	fmt.Printf("document %s ingested (%d chunks)\n", res.DocumentID, res.ChunkCount)
	return nil
}

func (a *app) searchCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id")
	query := fs.String("query", "", "search query")
	topK := fs.Int("topk", 5, "max results")
	fs.Parse(args)
	if *agentID == "" || *query == "" {
		return fmt.Errorf("-agent and -query are required")
	}

	results, err := a.knowledge.Retrieve(ctx, *agentID, *query, *topK, a.cfg.Chat.RetrievalBudget)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%d. [%.2f] %s\n%s\n\n", i+1, r.Score, r.DocumentTitle, r.Content)
	}
	return nil
}

func (a *app) modelsCmd() error {
	for _, m := range a.router.Catalog() {
		fmt.Printf("%-28s  %-10s  %s\n", m.ID, m.Vendor, m.DisplayName)
	}
	return nil
}
