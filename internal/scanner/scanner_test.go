package scanner_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"repomigrate/internal/node"
	"repomigrate/internal/scanner"

	"github.com/stretchr/testify/require"
)

// memorySource keeps shard contents sorted by id
type memorySource struct {
	mu     sync.Mutex
	shards [][]*node.Node
	calls  int
	fail   error
}

func newMemorySource(shards int, ids ...string) *memorySource {
	s := &memorySource{shards: make([][]*node.Node, shards)}
	for i, id := range ids {
		shard := i % shards
		s.shards[shard] = append(s.shards[shard], &node.Node{ID: id, ProjectID: "p", RepoName: "r"})
	}
	for _, nodes := range s.shards {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	}
	return s
}

func (s *memorySource) ShardCount() int { return len(s.shards) }

func (s *memorySource) ListNodes(ctx context.Context, shard int, q node.Query) ([]*node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	var page []*node.Node
	for _, n := range s.shards[shard] {
		if n.ID > q.AfterID && len(page) < q.Limit {
			page = append(page, n)
		}
	}
	return page, nil
}

func (s *memorySource) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, nodes := range s.shards {
		for j, n := range nodes {
			if n.ID == id {
				s.shards[i] = append(nodes[:j:j], nodes[j+1:]...)
				return
			}
		}
	}
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("node-%03d", i)
	}
	return out
}

func collect(t *testing.T, sc *scanner.Scanner) []string {
	t.Helper()

	var visited []string
	for sc.Next(context.Background()) {
		visited = append(visited, sc.Node().ID)
	}
	require.NoError(t, sc.Err())
	return visited
}

func TestScannerMergesShardsInOrder(t *testing.T) {
	all := ids(47)
	for _, shards := range []int{1, 3, 8} {
		for _, pageSize := range []int{1, 4, 100} {
			t.Run(fmt.Sprintf("shards=%d/page=%d", shards, pageSize), func(t *testing.T) {
				source := newMemorySource(shards, all...)
				visited := collect(t, scanner.New(source, "p", "r", "", pageSize))
				require.Equal(t, all, visited)
			})
		}
	}
}

func TestScannerResumesAfterCheckpoint(t *testing.T) {
	all := ids(50)
	source := newMemorySource(4, all...)

	visited := collect(t, scanner.New(source, "p", "r", all[22], 5))
	require.Equal(t, all[23:], visited)

	visited = collect(t, scanner.New(source, "p", "r", all[49], 5))
	require.Empty(t, visited)
}

func TestScannerEmptyRepository(t *testing.T) {
	source := newMemorySource(3)
	sc := scanner.New(source, "p", "r", "", 10)
	require.False(t, sc.Next(context.Background()))
	require.NoError(t, sc.Err())
	require.Nil(t, sc.Node())
}

func TestScannerToleratesDeletion(t *testing.T) {
	all := ids(30)
	source := newMemorySource(2, all...)
	sc := scanner.New(source, "p", "r", "", 3)

	var visited []string
	for sc.Next(context.Background()) {
		visited = append(visited, sc.Node().ID)
		if len(visited) == 10 {
			source.remove(all[20])
		}
	}
	require.NoError(t, sc.Err())
	require.True(t, sort.StringsAreSorted(visited))
	require.NotContains(t, visited, all[20])
	require.Len(t, visited, 29)
}

func TestScannerStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	source := newMemorySource(2, ids(10)...)
	source.fail = boom

	sc := scanner.New(source, "p", "r", "", 3)
	require.False(t, sc.Next(context.Background()))
	require.ErrorIs(t, sc.Err(), boom)
	require.True(t, scanner.Error.Has(sc.Err()))

	// a failed scanner stays failed
	source.fail = nil
	require.False(t, sc.Next(context.Background()))
}

func TestScannerStopsOnCancel(t *testing.T) {
	source := newMemorySource(2, ids(10)...)
	sc := scanner.New(source, "p", "r", "", 3)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, sc.Next(ctx))
	cancel()
	require.False(t, sc.Next(ctx))
	require.ErrorIs(t, sc.Err(), context.Canceled)
}

func TestScannerOverCatalog(t *testing.T) {
	ctx := context.Background()
	catalog, err := node.OpenCatalog(filepath.Join(t.TempDir(), "metadata.db"), 5)
	require.NoError(t, err)
	defer func() { require.NoError(t, catalog.Close()) }()

	var created []string
	for i := 0; i < 25; i++ {
		n := &node.Node{ProjectID: "p", RepoName: "r", FullPath: fmt.Sprintf("/f%d", i)}
		require.NoError(t, catalog.CreateNode(ctx, n))
		created = append(created, n.ID)
	}
	sort.Strings(created)

	visited := collect(t, scanner.New(catalog, "p", "r", "", 2))
	require.Equal(t, created, visited)
}
