// Command biem-reset is the operational helper that wipes every BIEM
// backend back to an empty, freshly-migrated state: the vector collections
// for memory nodes and knowledge triples, and the relational tables behind
// the L3 Crystal Store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/biemlabs/biem/internal/biem/storage/l2vector"
	"github.com/biemlabs/biem/internal/biem/storage/l3"
	"github.com/biemlabs/biem/internal/biem/storage/l3/badgerkv"
	"github.com/biemlabs/biem/internal/biemconfig"
	"github.com/biemlabs/biem/internal/biemlog"
)

const logTag = "biem-reset"

func main() {
	sqlitePath := flag.String("sqlite", "biem.db", "path to the L3 crystal store database")
	tripleVectorPath := flag.String("triple-vectors", "~/.biem/triple_vectors", "path to the knowledge triple vector namespace")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for the reset")
	flag.Parse()

	cfg, err := biemconfig.Load()
	if err != nil {
		biemlog.Printf(logTag, "config warning: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	failed := false

	if err := resetVectorCollection(ctx, cfg); err != nil {
		biemlog.Printf(logTag, "failed to drop vector collection biem_memories: %v", err)
		failed = true
	} else {
		biemlog.Println(logTag, "dropped vector collection biem_memories")
	}

	if err := resetTripleVectors(ctx, *tripleVectorPath); err != nil {
		biemlog.Printf(logTag, "failed to drop vector collection biem_knowledge: %v", err)
		failed = true
	} else {
		biemlog.Println(logTag, "dropped vector collection biem_knowledge")
	}

	if err := resetRelationalTables(ctx, *sqlitePath); err != nil {
		biemlog.Printf(logTag, "failed to reset relational tables: %v", err)
		failed = true
	} else {
		biemlog.Println(logTag, "dropped and recreated knowledge_history, knowledge_triples, crystal_links, crystal_facts")
	}

	if failed {
		fmt.Println("reset completed with errors")
		os.Exit(1)
	}
	fmt.Println("reset complete")
}

// resetVectorCollection drops and recreates the Redis-backed memory-node
// vector index, this edition's substitution for the original "biem_memories"
// collection.
func resetVectorCollection(ctx context.Context, cfg *biemconfig.Config) error {
	store := l2vector.New(l2vector.Config{
		Addr:      fmt.Sprintf("%s:6379", cfg.MilvusHost),
		IndexName: "biem:memories:idx",
		KeyPrefix: "biem:memory:",
		VectorDim: 1024,
	})
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Disconnect()
	return store.DropCollection(ctx)
}

// resetTripleVectors drops every record in the Badger-backed knowledge
// triple vector namespace, this edition's substitution for the original
// "biem_knowledge" collection.
func resetTripleVectors(ctx context.Context, path string) error {
	store, err := badgerkv.New(badgerkv.Config{Path: path})
	if err != nil {
		return err
	}
	defer store.Close()
	return store.DropAll(ctx)
}

// resetRelationalTables drops and recreates the four L3 Crystal Store
// tables in foreign-key-respecting order.
func resetRelationalTables(ctx context.Context, path string) error {
	store := l3.New(l3.Config{Path: path})
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Disconnect()
	return store.Reset(ctx)
}
