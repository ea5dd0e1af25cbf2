package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/biemlabs/biem/internal/biem/conflict"
	"github.com/biemlabs/biem/internal/biem/encoder"
	"github.com/biemlabs/biem/internal/biem/energy"
	"github.com/biemlabs/biem/internal/biem/knowledge"
	"github.com/biemlabs/biem/internal/biem/manager"
	"github.com/biemlabs/biem/internal/biem/router"
	"github.com/biemlabs/biem/internal/biem/storage/l1"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph"
	"github.com/biemlabs/biem/internal/biem/storage/l2graph/dgraphmirror"
	"github.com/biemlabs/biem/internal/biem/storage/l2vector"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
	"github.com/biemlabs/biem/internal/biem/storage/l3/badgerkv"
	"github.com/biemlabs/biem/internal/biem/tiermanager"
	"github.com/biemlabs/biem/internal/biemconfig"
	"github.com/biemlabs/biem/internal/biemlog"
	"github.com/biemlabs/biem/internal/inference"
)

const version = "0.1.0"

const logTag = "biem-demo"

func main() {
	printBanner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down...")
		cancel()
		os.Exit(0)
	}()

	cfg, err := biemconfig.Load()
	if err != nil {
		biemlog.Printf(logTag, "config warning: %v", err)
	}

	client := inference.NewClient(&inference.Config{
		OllamaURL:      "http://localhost:11434",
		Model:          cfg.Model,
		EmbeddingModel: "nomic-embed-text",
		Temperature:    cfg.Temperature,
		Timeout:        2 * time.Minute,
	})

	embedPool := inference.NewPool(&inference.PoolConfig{
		Workers:         4,
		QueueSize:       64,
		MaxConcurrent:   4,
		InferenceConfig: &inference.Config{OllamaURL: "http://localhost:11434", EmbeddingModel: "nomic-embed-text", Timeout: 2 * time.Minute},
	})
	defer embedPool.Shutdown(10 * time.Second)

	mgr, plugin, err := buildBIEM(cfg, client, embedPool)
	if err != nil {
		fmt.Printf("✗ failed to build memory system: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Shutdown(ctx)

	if err := mgr.Initialize(ctx); err != nil {
		biemlog.Printf(logTag, "initialize warning (continuing degraded): %v", err)
	}
	if cfg.DisableKnowledge {
		fmt.Println("ℹ knowledge pipeline disabled by config")
	} else if err := plugin.Connect(ctx); err != nil {
		biemlog.Printf(logTag, "knowledge plugin unavailable: %v", err)
	}

	mgr.SetUserID(cfg.UserID)

	fmt.Printf("✓ memory manager ready | user: %s | model: %s\n\n", cfg.UserID, cfg.Model)
	fmt.Println("Commands: /help /context /conflicts /resolve <id> <keep_new|keep_old|merge|ignore> /stats /ask <prompt> /exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	sessionID := fmt.Sprintf("session-%d", time.Now().Unix())

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			handleCommand(ctx, input, mgr, plugin, client)
			continue
		}

		node, signals, err := mgr.Ingest(ctx, input, "user", nil, nil)
		if err != nil {
			fmt.Printf("✗ ingest failed: %v\n\n", err)
			continue
		}
		fmt.Printf("✓ stored memory %s (energy=%.2f)\n", node.ID, node.Energy)
		for _, s := range signals {
			fmt.Printf("⚠ dissonance: %s (priority=%.2f)\n", s.Conflict.Description, s.Priority)
		}

		if !cfg.DisableKnowledge && plugin.IsAvailable() {
			result, err := plugin.ProcessMessage(ctx, input, sessionID, cfg.UserID, "user")
			if err != nil {
				biemlog.Printf(logTag, "knowledge processing error: %v", err)
			} else {
				switch result.Action {
				case "stored":
					fmt.Printf("✓ learned %d fact(s)\n", len(result.TriplesStored))
				case "conflict":
					for _, p := range result.ConfirmationPrompts {
						fmt.Printf("? %s\n", p)
					}
				}
			}
		}

		contextBlock, err := mgr.GetContext(ctx, input, 5)
		if err != nil {
			biemlog.Printf(logTag, "context lookup error: %v", err)
		} else if contextBlock != "" {
			fmt.Println()
			fmt.Println(contextBlock)
		}
		fmt.Println()
	}
}

// buildBIEM wires every storage backend, the memory manager façade, and
// the knowledge pipeline from a loaded config, mirroring the teacher's
// flat wiring in main() rather than a separate DI framework. Embedding
// calls route through embedPool rather than client directly, so a batch of
// texts embeds with bounded concurrency instead of one request at a time.
func buildBIEM(cfg *biemconfig.Config, client *inference.Client, embedPool *inference.Pool) (*manager.Manager, *knowledge.Plugin, error) {
	enc := encoder.New(encoder.DefaultConfig(), embedPool.Embed, embedPool.BatchEmbed)
	energyCtl := energy.New(energy.DefaultConfig(), client.EvaluateImportance)

	l1Store := l1.New(l1.DefaultConfig())

	l2v := l2vector.New(l2vector.Config{
		Addr:      fmt.Sprintf("%s:6379", cfg.MilvusHost),
		IndexName: "biem:memories:idx",
		KeyPrefix: "biem:memory:",
		VectorDim: encoder.DefaultConfig().EmbeddingDim,
	})

	graph := l2graph.New(l2graph.Config{PersistPath: "biem_graph_snapshot.json", AutoSave: true, MaxEdgesPerNode: 50})
	if cfg.DgraphAddr != "" {
		graph.SetMirror(dgraphmirror.New(dgraphmirror.Config{AlphaAddr: cfg.DgraphAddr}))
	}

	l3Store := l3.New(l3.Config{Path: "biem.db"})

	tier := tiermanager.New(tiermanager.DefaultConfig(), l1Store, l2v, graph, l3Store, energyCtl)
	tier.SetConsolidateCallback(client.Consolidate)

	rtr := router.New(router.DefaultConfig(), graph)
	rtr.SetCausalInferenceCallback(client.InferCausal)
	rtr.SetL3Storage(l3Store, true)

	conf := conflict.New(conflict.DefaultConfig())
	conf.SetVerifyConflictCallback(client.VerifyConflict)

	mgr := manager.New(manager.DefaultConfig(), enc, energyCtl, tier, rtr, conf, graph, l3Store)

	badgerStore, err := badgerkv.New(badgerkv.Config{Path: "~/.biem/triple_vectors"})
	if err != nil {
		return mgr, nil, fmt.Errorf("open triple vector store: %w", err)
	}
	vectors := knowledge.NewVectorStore(knowledge.DefaultVectorStoreConfig(), badgerStore, embedPool.Embed)
	extractor := knowledge.NewExtractor(knowledge.DefaultExtractorConfig(), client.Complete)
	plugin := knowledge.NewPlugin(knowledge.DefaultPluginConfig(), l3Store, vectors, extractor, knowledge.DefaultConflictConfig())

	return mgr, plugin, nil
}

func handleCommand(ctx context.Context, cmd string, mgr *manager.Manager, plugin *knowledge.Plugin, client *inference.Client) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "/help":
		fmt.Println("\nCommands: /help /context /conflicts /resolve <id> <keep_new|keep_old|merge|ignore> /stats /ask <prompt> /exit\n")
	case "/ask":
		prompt := strings.TrimSpace(strings.TrimPrefix(cmd, "/ask"))
		if prompt == "" {
			fmt.Println("\nusage: /ask <prompt>\n")
			return
		}
		tokens, err := client.Generate(ctx, prompt, true)
		if err != nil {
			fmt.Printf("✗ %v\n\n", err)
			return
		}
		fmt.Println()
		display := inference.NewStreamDisplay(os.Stdout, true)
		for tok := range tokens {
			display.Write(tok)
		}
		display.Finalize()
		fmt.Println()
	case "/context":
		working, err := mgr.GetWorkingMemory(ctx, 10)
		if err != nil {
			fmt.Printf("✗ %v\n\n", err)
			return
		}
		fmt.Println("\n=== Working Memory ===")
		for i, n := range working {
			fmt.Printf("%d. [E=%.2f] %s\n", i+1, n.Energy, n.Content)
		}
		fmt.Println()
	case "/conflicts":
		pending := mgr.GetPendingConflicts()
		if len(pending) == 0 {
			fmt.Println("\nNo pending conflicts\n")
			return
		}
		fmt.Println("\n=== Pending Conflicts ===")
		for _, s := range pending {
			fmt.Printf("%s: %s\n", s.Conflict.ID, s.Conflict.Description)
		}
		fmt.Println()
	case "/resolve":
		if len(parts) != 3 {
			fmt.Println("\nusage: /resolve <id> <keep_new|keep_old|merge|ignore>\n")
			return
		}
		ok, err := mgr.ResolveConflict(ctx, parts[1], parts[2])
		if err != nil {
			fmt.Printf("✗ %v\n\n", err)
			return
		}
		if !ok {
			fmt.Println("\nno such conflict\n")
			return
		}
		fmt.Println("\n✓ resolved\n")
	case "/stats":
		stats, err := mgr.GetStats(ctx)
		if err != nil {
			fmt.Printf("✗ %v\n\n", err)
			return
		}
		fmt.Printf("\nL1: %d | L2 rows: %d | pending conflicts: %d\n\n", stats.Tier.L1.Count, stats.Tier.L2Vector.RowCount, stats.PendingConflicts)
	case "/exit", "/quit":
		fmt.Println("Goodbye! 👋")
		os.Exit(0)
	}
}

func printBanner() {
	fmt.Printf(`
╔═════════════════════════════════════════════════════════╗
║        BIEM Memory Demo %s                             ║
╚═════════════════════════════════════════════════════════╝

`, version)
}
