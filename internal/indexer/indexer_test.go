package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/strata/internal/config"
	"github.com/haasonsaas/strata/internal/store"
	"github.com/haasonsaas/strata/internal/summarize"
	"github.com/haasonsaas/strata/internal/textutil"
	"github.com/haasonsaas/strata/pkg/models"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ArchiveChunkSize = 4
	cfg.MaxArchives = 3
	cfg.MaxRecentMessages = 4
	return cfg
}

// conversation builds n alternating user/assistant messages.
func conversation(n int) []models.Message {
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		content := fmt.Sprintf("Release checklist item %d", i)
		if i%2 == 1 {
			role = models.RoleAssistant
			content = fmt.Sprintf("Acknowledged item %d", i-1)
		}
		msgs = append(msgs, models.Message{Role: role, Content: content})
	}
	return msgs
}

// countingProvider counts Summarize invocations and returns a canned
// summary.
type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) Summarize(ctx context.Context, text string, target int) (string, error) {
	p.calls.Add(1)
	return "summary of: " + textutil.TrimToTokenTarget(text, 8), nil
}

func newTestIndexer(st store.Store, provider summarize.Provider) *Indexer {
	return New(st, summarize.NewEngine(provider), nil)
}

func TestBuildIndexPartition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ix := newTestIndexer(st, nil)
	cfg := testConfig()

	result, err := ix.BuildIndex(ctx, BuildInput{
		Platform:         "telegram",
		ChatID:           "42",
		ArchivedMessages: conversation(10),
		Config:           cfg,
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	idx := result.Index

	// 10 messages in chunks of 4 -> 3 chunks (4, 4, 2).
	if len(idx.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(idx.Nodes))
	}
	if idx.SessionKey != "telegram:42" {
		t.Errorf("SessionKey = %q, want telegram:42", idx.SessionKey)
	}
	if idx.Version != models.IndexVersion {
		t.Errorf("Version = %d, want %d", idx.Version, models.IndexVersion)
	}

	// Most recent first, strictly decreasing end indexes, ranks assigned.
	wantEnds := []int{9, 7, 3}
	for i, node := range idx.Nodes {
		if node.Metadata.EndMessageIndex != wantEnds[i] {
			t.Errorf("Nodes[%d].EndMessageIndex = %d, want %d", i, node.Metadata.EndMessageIndex, wantEnds[i])
		}
		if node.Metadata.RecencyRank != i+1 {
			t.Errorf("Nodes[%d].RecencyRank = %d, want %d", i, node.Metadata.RecencyRank, i+1)
		}
		span := node.Metadata.EndMessageIndex - node.Metadata.StartMessageIndex + 1
		if span != node.Metadata.MessageCount {
			t.Errorf("Nodes[%d] span %d != MessageCount %d", i, span, node.Metadata.MessageCount)
		}
		if node.ParentID != models.RootID {
			t.Errorf("Nodes[%d].ParentID = %q, want root", i, node.ParentID)
		}
		if node.Abstract == "" || node.Overview == "" {
			t.Errorf("Nodes[%d] missing summaries", i)
		}
		if !strings.HasPrefix(node.ID, NodeIDPrefix) {
			t.Errorf("Nodes[%d].ID = %q, want %s prefix", i, node.ID, NodeIDPrefix)
		}
	}

	// Root child ids mirror node order.
	if len(idx.Root.ChildIDs) != len(idx.Nodes) {
		t.Fatalf("len(ChildIDs) = %d, want %d", len(idx.Root.ChildIDs), len(idx.Nodes))
	}
	for i, id := range idx.Root.ChildIDs {
		if id != idx.Nodes[i].ID {
			t.Errorf("ChildIDs[%d] = %q, want %q", i, id, idx.Nodes[i].ID)
		}
	}

	// The build persisted the index and every body.
	loaded, err := st.LoadIndex(ctx, "telegram:42")
	if err != nil {
		t.Fatalf("LoadIndex after build: %v", err)
	}
	if len(loaded.Nodes) != 3 {
		t.Errorf("persisted nodes = %d, want 3", len(loaded.Nodes))
	}
	for _, node := range loaded.Nodes {
		body, err := st.ReadArchive(ctx, node.FullContentPath)
		if err != nil {
			t.Errorf("ReadArchive(%s): %v", node.ID, err)
			continue
		}
		if body.Transcript == "" || body.NodeID != node.ID {
			t.Errorf("archive body for %s is inconsistent", node.ID)
		}
	}
}

func TestBuildIndexChecksumReuse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	provider := &countingProvider{}
	ix := newTestIndexer(st, provider)
	cfg := testConfig()

	input := BuildInput{
		Platform:         "telegram",
		ChatID:           "7",
		ArchivedMessages: conversation(8),
		Config:           cfg,
	}
	first, err := ix.BuildIndex(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := provider.calls.Load()

	second, err := ix.BuildIndex(ctx, input)
	if err != nil {
		t.Fatal(err)
	}

	if len(first.Index.Nodes) != len(second.Index.Nodes) {
		t.Fatalf("node count changed across identical builds")
	}
	for i := range first.Index.Nodes {
		a, b := first.Index.Nodes[i], second.Index.Nodes[i]
		if a.ID != b.ID || a.Checksum != b.Checksum {
			t.Errorf("node %d identity changed: %q vs %q", i, a.ID, b.ID)
		}
		if a.Abstract != b.Abstract || a.Overview != b.Overview {
			t.Errorf("node %d summaries regenerated on reuse", i)
		}
		if a.FullContentPath != b.FullContentPath {
			t.Errorf("node %d FullContentPath changed: %q vs %q", i, a.FullContentPath, b.FullContentPath)
		}
		if a.TokenEstimate != b.TokenEstimate {
			t.Errorf("node %d token estimate changed", i)
		}
	}

	// Only the root rollup may be re-requested: two calls (overview and
	// abstract), none for chunk summaries.
	delta := provider.calls.Load() - callsAfterFirst
	if delta != 2 {
		t.Errorf("provider calls for second build = %d, want 2 (root only)", delta)
	}
}

func TestBuildIndexEvictionAndBounding(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ix := newTestIndexer(st, nil)
	cfg := testConfig() // chunk 4, max 3 archives -> bound 12 messages

	result, err := ix.BuildIndex(ctx, BuildInput{
		Platform:         "slack",
		ChatID:           "C9",
		ArchivedMessages: conversation(30),
		Config:           cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Index.Nodes) > cfg.MaxArchives {
		t.Errorf("len(Nodes) = %d, want <= %d", len(result.Index.Nodes), cfg.MaxArchives)
	}
	// Indexes are tracked over the bounded list, so the newest node ends
	// at bounded length - 1.
	if got := result.Index.Nodes[0].Metadata.EndMessageIndex; got != 11 {
		t.Errorf("newest EndMessageIndex = %d, want 11", got)
	}
}

func TestBuildIndexCleansOrphans(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ix := newTestIndexer(st, nil)
	cfg := testConfig()

	first, err := ix.BuildIndex(ctx, BuildInput{
		Platform: "telegram", ChatID: "1",
		ArchivedMessages: conversation(12),
		Config:           cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	oldHandles := map[string]string{}
	for _, n := range first.Index.Nodes {
		oldHandles[n.ID] = n.FullContentPath
	}

	// Shift the conversation so every chunk changes.
	shifted := conversation(13)[1:]
	second, err := ix.BuildIndex(ctx, BuildInput{
		Platform: "telegram", ChatID: "1",
		ArchivedMessages: shifted,
		Config:           cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	kept := map[string]struct{}{}
	for _, n := range second.Index.Nodes {
		kept[n.ID] = struct{}{}
	}
	for id, handle := range oldHandles {
		if _, stillKept := kept[id]; stillKept {
			continue
		}
		if _, err := st.ReadArchive(ctx, handle); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("orphan body %s survived cleanup (err=%v)", id, err)
		}
	}
}

func TestBuildIndexSummarizerFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	failing := summarize.ProviderFunc(func(ctx context.Context, text string, target int) (string, error) {
		return "", errors.New("provider down")
	})
	ix := newTestIndexer(st, failing)
	cfg := testConfig()

	result, err := ix.BuildIndex(ctx, BuildInput{
		Platform: "discord", ChatID: "d1",
		ArchivedMessages: conversation(8),
		Config:           cfg,
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v (summarizer failure must not fail the build)", err)
	}
	if len(result.FallbackEvents) < len(result.Index.Nodes) {
		t.Errorf("fallback events = %d, want at least one per node (%d)",
			len(result.FallbackEvents), len(result.Index.Nodes))
	}
	for _, node := range result.Index.Nodes {
		if node.Abstract == "" || node.Overview == "" {
			t.Errorf("node %s has empty summaries after fallback", node.ID)
		}
		body, err := st.ReadArchive(ctx, node.FullContentPath)
		if err != nil {
			t.Fatal(err)
		}
		// The deterministic path trims prefixes of the source text.
		if !strings.HasPrefix(body.Transcript, strings.Fields(node.Overview)[0]) {
			t.Errorf("node %s overview is not a prefix trim of its transcript", node.ID)
		}
	}
}

func TestBuildIndexEmptyArchive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ix := newTestIndexer(st, nil)

	result, err := ix.BuildIndex(ctx, BuildInput{
		Platform: "telegram", ChatID: "empty",
		ArchivedMessages: nil,
		Config:           testConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Index.Nodes) != 0 {
		t.Errorf("len(Nodes) = %d, want 0", len(result.Index.Nodes))
	}
	if result.Index.Root.Overview == "" {
		t.Error("root overview empty, want sentinel rollup summary")
	}
}

func TestBuildIndexPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ix := newTestIndexer(st, nil)
	cfg := testConfig()

	input := BuildInput{Platform: "telegram", ChatID: "t", ArchivedMessages: conversation(8), Config: cfg}
	first, err := ix.BuildIndex(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ix.BuildIndex(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Index.CreatedAt.Equal(first.Index.CreatedAt) {
		t.Errorf("CreatedAt changed across builds: %v vs %v", first.Index.CreatedAt, second.Index.CreatedAt)
	}
}

func TestBuildIndexSaveFailurePropagates(t *testing.T) {
	ctx := context.Background()
	st := &failingSaveStore{MemStore: store.NewMemStore()}
	ix := newTestIndexer(st, nil)

	_, err := ix.BuildIndex(ctx, BuildInput{
		Platform: "telegram", ChatID: "x",
		ArchivedMessages: conversation(8),
		Config:           testConfig(),
	})
	if err == nil {
		t.Error("BuildIndex() = nil error, want save failure to propagate")
	}
}

type failingSaveStore struct {
	*store.MemStore
}

func (s *failingSaveStore) SaveIndex(ctx context.Context, doc *models.IndexDocument) error {
	return errors.New("disk full")
}

func TestTranscript(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
		{Role: models.RoleUser, Content: "   "},
	}
	got := Transcript(msgs)
	want := "user: hello\n\nassistant: hi there"
	if got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
	if Transcript(nil) != "" {
		t.Error("Transcript(nil) should be empty")
	}
}
