package outbox

import (
	"context"
	"strings"

	"github.com/agent-memory/agentmemory/internal/apperr"
	"github.com/agent-memory/agentmemory/internal/bm25"
	"github.com/agent-memory/agentmemory/internal/model"
	"github.com/agent-memory/agentmemory/internal/storage"
	"github.com/agent-memory/agentmemory/internal/vector"
)

// BM25Consumer feeds toc_node_created/updated and grip_created outbox
// entries into the BM25 Index (spec §4.5, §4.8).
type BM25Consumer struct {
	store *storage.Store
	idx   *bm25.Index
}

func NewBM25Consumer(store *storage.Store, idx *bm25.Index) *BM25Consumer {
	return &BM25Consumer{store: store, idx: idx}
}

func (c *BM25Consumer) ConsumerID() string { return c.idx.ConsumerID() }

func (c *BM25Consumer) Process(_ context.Context, entry model.OutboxEntry) error {
	switch entry.EntryType {
	case model.EntryTocNodeCreated, model.EntryTocNodeUpdated:
		node, err := c.store.GetTocNode(entry.RefID)
		if err != nil {
			return ignoreNotFound(err)
		}
		return c.idx.IndexTocNode(node)
	case model.EntryGripCreated:
		g, err := c.store.GetGrip(entry.RefID)
		if err != nil {
			return ignoreNotFound(err)
		}
		return c.idx.IndexGrip(g)
	default:
		return nil
	}
}

// VectorConsumer embeds and upserts the same two entry types into the
// Vector Index (spec §4.6, §4.8).
type VectorConsumer struct {
	store *storage.Store
	idx   *vector.Index
}

func NewVectorConsumer(store *storage.Store, idx *vector.Index) *VectorConsumer {
	return &VectorConsumer{store: store, idx: idx}
}

func (c *VectorConsumer) ConsumerID() string { return "vector" }

func (c *VectorConsumer) Process(ctx context.Context, entry model.OutboxEntry) error {
	switch entry.EntryType {
	case model.EntryTocNodeCreated, model.EntryTocNodeUpdated:
		node, err := c.store.GetTocNode(entry.RefID)
		if err != nil {
			return ignoreNotFound(err)
		}
		text := node.Title + " " + strings.Join(bulletTexts(node), " ")
		agent := ""
		if len(node.ContributingAgents) > 0 {
			agent = node.ContributingAgents[0]
		}
		return c.idx.UpsertText(ctx, model.DocTocNode, node.NodeID, agent, text)
	case model.EntryGripCreated:
		g, err := c.store.GetGrip(entry.RefID)
		if err != nil {
			return ignoreNotFound(err)
		}
		return c.idx.UpsertText(ctx, model.DocGrip, g.GripID, "", g.Excerpt)
	default:
		return nil
	}
}

func bulletTexts(n model.Node) []string {
	out := make([]string, len(n.Bullets))
	for i, b := range n.Bullets {
		out[i] = b.Text
	}
	return out
}

// ignoreNotFound treats a since-deleted ref as a successful no-op rather
// than a retryable failure: there is nothing left to index.
func ignoreNotFound(err error) error {
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	return err
}
