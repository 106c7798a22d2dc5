package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/stratify/internal/task"
)

const numTitleWorkers = 32

// titleRow is one row's input to group titling: its cluster (or category)
// id, the text to title over, and the membership confidence.
type titleRow struct {
	ID         int
	Text       string
	Membership float64
}

// computeGroupTitles titles contiguous id groups of pre-sorted rows and
// broadcasts each title to the group's rows. Jobs are submitted in group
// order to a bounded pool and collected into an indexed buffer, so output
// order never depends on completion order. Negative-id groups and groups
// with no usable documents get a nil title. Progress advances by group
// row count as each group completes.
func computeGroupTitles(ctx context.Context, rows []titleRow, rng *rand.Rand, rep task.Reporter, generate func(context.Context, []ScoredDoc) (string, error)) ([]*string, error) {
	rep = task.OrNop(rep)

	type group struct {
		start, end int
		docs       []ScoredDoc
	}
	var groups []group
	for start := 0; start < len(rows); {
		end := start + 1
		for end < len(rows) && rows[end].ID == rows[start].ID {
			end++
		}
		g := group{start: start, end: end}
		if rows[start].ID >= 0 {
			g.docs = prepareDocs(rows[start:end], rng)
		}
		groups = append(groups, g)
		start = end
	}

	results := make([]string, len(groups))
	generated := make([]bool, len(groups))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(numTitleWorkers)
	for gi, grp := range groups {
		if len(grp.docs) == 0 {
			rep.Add(int64(grp.end - grp.start))
			continue
		}
		eg.Go(func() error {
			title, err := generate(gctx, grp.docs)
			if err != nil {
				return fmt.Errorf("titling group %d: %w", rows[grp.start].ID, err)
			}
			results[gi] = title
			generated[gi] = true
			rep.Add(int64(grp.end - grp.start))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	titles := make([]*string, len(rows))
	for gi, grp := range groups {
		if !generated[gi] {
			continue
		}
		title := results[gi]
		for i := grp.start; i < grp.end; i++ {
			titles[i] = &title
		}
	}
	return titles, nil
}

// prepareDocs ranks a group's documents for the labeler: drop duplicates
// and unusable rows, randomize tie order, then sort by membership
// descending. The shuffle keeps row order from leaking into the prompt
// through equal-confidence ties.
func prepareDocs(rows []titleRow, rng *rand.Rand) []ScoredDoc {
	seen := make(map[string]struct{}, len(rows))
	docs := make([]ScoredDoc, 0, len(rows))
	for _, r := range rows {
		if r.Membership <= 0 || strings.TrimSpace(r.Text) == "" {
			continue
		}
		if _, dup := seen[r.Text]; dup {
			continue
		}
		seen[r.Text] = struct{}{}
		docs = append(docs, ScoredDoc{Text: r.Text, Membership: r.Membership})
	}
	swap := func(i, j int) { docs[i], docs[j] = docs[j], docs[i] }
	if rng != nil {
		rng.Shuffle(len(docs), swap)
	} else {
		rand.Shuffle(len(docs), swap)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Membership > docs[j].Membership
	})
	return docs
}
