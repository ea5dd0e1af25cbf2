// Package dgraphmirror provides an optional, best-effort durable mirror of
// the in-process associative graph, so links survive a process restart
// without making Dgraph availability a hard dependency of recall. It is
// grounded on the teacher's Dgraph-backed semantic store
// (internal/memory/semantic.go): same gRPC dial pattern, schema-via-Alter,
// upsert-by-index mutation style.
package dgraphmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biemerr"
	"github.com/biemlabs/biem/internal/biemlog"
)

const schema = `
	link.source: string @index(exact) .
	link.target: string @index(exact) .
	link.type: string @index(exact) .
	link.weight: float .
	link.created: datetime .
`

// Config addresses the Dgraph Alpha gRPC endpoint.
type Config struct {
	AlphaAddr string
}

// DefaultConfig points at a local single-node Dgraph Alpha.
func DefaultConfig() Config {
	return Config{AlphaAddr: "localhost:9080"}
}

// Mirror persists graph links to Dgraph as a write-behind durability layer.
// PersistLink is best-effort: failures are logged and swallowed so that
// Dgraph unavailability never blocks an in-process graph mutation. Connect,
// GetAllLinks and Close return their errors to the caller.
type Mirror struct {
	cfg    Config
	client *dgo.Dgraph
	conn   *grpc.ClientConn
}

// New constructs an unconnected Mirror.
func New(cfg Config) *Mirror {
	return &Mirror{cfg: cfg}
}

// Connect dials the Dgraph Alpha endpoint and installs the link schema.
func (m *Mirror) Connect(ctx context.Context) error {
	conn, err := grpc.DialContext(ctx, m.cfg.AlphaAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "dgraphmirror.Connect", err)
	}
	m.conn = conn
	m.client = dgo.NewDgraphClient(api.NewDgraphClient(conn))

	if err := m.client.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		conn.Close()
		return biemerr.New(biemerr.BackendUnavailable, "dgraphmirror.Connect", fmt.Errorf("alter schema: %w", err))
	}
	return nil
}

// Close releases the gRPC connection.
func (m *Mirror) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

type linkDoc struct {
	UID         string  `json:"uid"`
	Source      string  `json:"link.source"`
	Target      string  `json:"link.target"`
	Type        string  `json:"link.type"`
	Weight      float64 `json:"link.weight"`
	Created     string  `json:"link.created"`
	DgraphType  string  `json:"dgraph.type"`
}

// PersistLink mirrors a single link as a best-effort, fire-and-log write.
func (m *Mirror) PersistLink(ctx context.Context, l models.Link) {
	if m.client == nil {
		return
	}
	doc := linkDoc{
		UID:        "_:link",
		Source:     l.SourceID,
		Target:     l.TargetID,
		Type:       string(l.Type),
		Weight:     l.Weight,
		Created:    l.CreatedAt.Format(time.RFC3339),
		DgraphType: "Link",
	}
	data, err := json.Marshal(doc)
	if err != nil {
		biemlog.Printf("DgraphMirror", "marshal link failed: %v", err)
		return
	}

	txn := m.client.NewTxn()
	defer txn.Discard(ctx)
	if _, err := txn.Mutate(ctx, &api.Mutation{CommitNow: true, SetJson: data}); err != nil {
		biemlog.Printf("DgraphMirror", "persist link %s->%s failed: %v", l.SourceID, l.TargetID, err)
	}
}

// GetAllLinks queries every mirrored link, for graph rehydration on startup.
func (m *Mirror) GetAllLinks(ctx context.Context) ([]models.Link, error) {
	if m.client == nil {
		return nil, biemerr.ErrNotReady
	}

	q := `{
		links(func: has(link.source)) {
			link.source
			link.target
			link.type
			link.weight
			link.created
		}
	}`

	txn := m.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "dgraphmirror.GetAllLinks", err)
	}

	var result struct {
		Links []struct {
			Source  string  `json:"link.source"`
			Target  string  `json:"link.target"`
			Type    string  `json:"link.type"`
			Weight  float64 `json:"link.weight"`
			Created string  `json:"link.created"`
		} `json:"links"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, biemerr.New(biemerr.ValidationFailure, "dgraphmirror.GetAllLinks", err)
	}

	out := make([]models.Link, 0, len(result.Links))
	for _, l := range result.Links {
		created, _ := time.Parse(time.RFC3339, l.Created)
		out = append(out, models.Link{
			SourceID:  l.Source,
			TargetID:  l.Target,
			Type:      models.LinkType(l.Type),
			Weight:    l.Weight,
			CreatedAt: created,
		})
	}
	return out, nil
}
