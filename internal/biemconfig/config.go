// Package biemconfig builds a fully-defaulted Config struct and overlays
// recognized environment variables onto it, following the teacher's
// DefaultConfig()-struct-literal convention rather than a third-party
// configuration library (none is used anywhere in the teacher's module).
package biemconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/biemlabs/biem/internal/biemerr"
)

// Config is the master set of environment-tunable options named in the
// specification's external-interfaces table.
type Config struct {
	Model          string
	Temperature    float64
	MaxIterations  int

	MilvusHost       string // retained name for the vector backend's env var surface
	MilvusPort       int
	MilvusCollection string
	MilvusUseLite    bool

	PostgresHost     string // retained name for the relational backend's env var surface
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	DgraphAddr string // optional; empty disables the durable graph mirror

	KnowledgeVectorSearch bool
	DisableMemory         bool
	DisableKnowledge      bool

	UserID string

	Verbose bool
	Debug   bool
}

// Default returns the hardcoded baseline configuration.
func Default() *Config {
	return &Config{
		Model:         "llama3",
		Temperature:   0.7,
		MaxIterations: 10,

		MilvusHost:       "localhost",
		MilvusPort:       19530,
		MilvusCollection: "biem_memories",
		MilvusUseLite:    false,

		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "biem",

		KnowledgeVectorSearch: true,
		UserID:                "default",
	}
}

// Load builds the default config and overlays every recognized environment
// variable, returning a ValidationFailure-kind error describing every
// parse failure encountered (collected, not fail-fast-per-var).
func Load() (*Config, error) {
	c := Default()
	var parseErrs []string

	str(&c.Model, "MODEL")
	if v, ok := lookup("TEMPERATURE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Temperature = f
		} else {
			parseErrs = append(parseErrs, "TEMPERATURE: "+err.Error())
		}
	}
	if v, ok := lookup("MAX_ITERATIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxIterations = n
		} else {
			parseErrs = append(parseErrs, "MAX_ITERATIONS: "+err.Error())
		}
	}

	str(&c.MilvusHost, "MILVUS_HOST")
	if v, ok := lookup("MILVUS_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MilvusPort = n
		} else {
			parseErrs = append(parseErrs, "MILVUS_PORT: "+err.Error())
		}
	}
	str(&c.MilvusCollection, "MILVUS_COLLECTION")
	boolVar(&c.MilvusUseLite, "MILVUS_USE_LITE", &parseErrs)

	str(&c.PostgresHost, "POSTGRES_HOST")
	if v, ok := lookup("POSTGRES_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.PostgresPort = n
		} else {
			parseErrs = append(parseErrs, "POSTGRES_PORT: "+err.Error())
		}
	}
	str(&c.PostgresDB, "POSTGRES_DB")
	str(&c.PostgresUser, "POSTGRES_USER")
	str(&c.PostgresPassword, "POSTGRES_PASSWORD")

	str(&c.DgraphAddr, "DGRAPH_ADDR")

	boolVar(&c.KnowledgeVectorSearch, "KNOWLEDGE_VECTOR_SEARCH", &parseErrs)
	boolVar(&c.DisableMemory, "DISABLE_MEMORY", &parseErrs)
	boolVar(&c.DisableKnowledge, "DISABLE_KNOWLEDGE", &parseErrs)

	str(&c.UserID, "USER_ID")
	boolVar(&c.Verbose, "VERBOSE", &parseErrs)
	boolVar(&c.Debug, "DEBUG", &parseErrs)

	if len(parseErrs) > 0 {
		return c, biemerr.New(biemerr.ValidationFailure, "biemconfig.Load",
			fmt.Errorf("%s", strings.Join(parseErrs, "; ")))
	}
	return c, nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func str(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func boolVar(dst *bool, name string, errs *[]string) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, name+": "+err.Error())
		return
	}
	*dst = b
}
