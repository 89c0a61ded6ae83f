package scanner

import (
	"container/heap"
	"context"
	"fmt"

	"repomigrate/internal/node"

	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"
)

// Error is the class of scanner errors.
var Error = errs.Class("scanner")

// Source enumerates file nodes of a repository shard by shard, each shard
// ordered ascending by id.
type Source interface {
	ShardCount() int
	ListNodes(ctx context.Context, shard int, q node.Query) ([]*node.Node, error)
}

// Scanner walks every live file node of one repository in ascending id order,
// strictly after a starting id. It pages through each shard and merges the
// shard cursors, so memory is bounded by shards * pageSize.
type Scanner struct {
	source    Source
	projectID string
	repoName  string
	pageSize  int

	primed  bool
	cursors cursorHeap
	last    string
	current *node.Node
	err     error
}

// New creates a scanner starting strictly after afterID ("" scans from the start)
func New(source Source, projectID, repoName, afterID string, pageSize int) *Scanner {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Scanner{
		source:    source,
		projectID: projectID,
		repoName:  repoName,
		pageSize:  pageSize,
		last:      afterID,
	}
}

type cursor struct {
	shard     int
	page      []*node.Node
	pos       int
	exhausted bool
}

func (c *cursor) head() *node.Node {
	return c.page[c.pos]
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int           { return len(h) }
func (h cursorHeap) Less(i, j int) bool { return h[i].head().ID < h[j].head().ID }
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// fill loads the next page of c. It returns false when the shard has no more
// nodes.
func (s *Scanner) fill(ctx context.Context, c *cursor, after string) (bool, error) {
	if c.exhausted {
		return false, nil
	}
	page, err := s.source.ListNodes(ctx, c.shard, node.Query{
		ProjectID: s.projectID,
		RepoName:  s.repoName,
		AfterID:   after,
		Limit:     s.pageSize,
	})
	if err != nil {
		return false, Error.Wrap(fmt.Errorf("list shard %d after %q: %w", c.shard, after, err))
	}
	c.page = page
	c.pos = 0
	c.exhausted = len(page) < s.pageSize
	return len(page) > 0, nil
}

func (s *Scanner) prime(ctx context.Context) error {
	shards := s.source.ShardCount()
	cursors := make([]*cursor, shards)
	ok := make([]bool, shards)

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < shards; i++ {
		i := i
		cursors[i] = &cursor{shard: i}
		group.Go(func() error {
			var err error
			ok[i], err = s.fill(gctx, cursors[i], s.last)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, c := range cursors {
		if ok[i] {
			s.cursors = append(s.cursors, c)
		}
	}
	heap.Init(&s.cursors)
	return nil
}

// Next advances to the next node. It returns false when the scan is finished
// or failed; check Err to tell them apart.
func (s *Scanner) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if !s.primed {
		s.primed = true
		if err := s.prime(ctx); err != nil {
			s.err = err
			return false
		}
	}

	for s.cursors.Len() > 0 {
		c := s.cursors[0]
		n := c.head()

		c.pos++
		if c.pos == len(c.page) {
			more, err := s.fill(ctx, c, n.ID)
			if err != nil {
				s.err = err
				return false
			}
			if more {
				heap.Fix(&s.cursors, 0)
			} else {
				heap.Pop(&s.cursors)
			}
		} else {
			heap.Fix(&s.cursors, 0)
		}

		if n.ID <= s.last {
			continue
		}
		s.last = n.ID
		s.current = n
		return true
	}

	s.current = nil
	return false
}

// Node returns the node Next advanced to
func (s *Scanner) Node() *node.Node {
	return s.current
}

// Err returns the error that stopped the scan, if any
func (s *Scanner) Err() error {
	return s.err
}
