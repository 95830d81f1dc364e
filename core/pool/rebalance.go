package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/transport"
)

// ChunkMove is one planned or executed migration.
type ChunkMove struct {
	FilePath   string `json:"file_path"`
	ChunkIndex int    `json:"chunk_index"`
	From       string `json:"from"`
	To         string `json:"to"`
	Size       int64  `json:"size"`
}

// BalanceReport summarizes chunk distribution and the moves that would (or
// did) even it out.
type BalanceReport struct {
	ChunkCounts map[string]int `json:"chunk_counts"`
	Ideal       int            `json:"ideal"`
	Moves       []ChunkMove    `json:"moves"`
	Executed    int            `json:"executed"`
}

// Rebalance redistributes chunks so each remote holds close to
// totalChunks/remoteCount of them. Each migration is atomic from the pool's
// view: the chunk is copied, the manifest rewritten everywhere, and only
// then the source copy deleted. With dryRun the plan is returned unexecuted.
// The operation is idempotent; a balanced pool plans no moves.
func (p *Pool) Rebalance(ctx context.Context, dryRun bool) (BalanceReport, error) {
	manifests, err := p.store.List(ctx, "/", true)
	if err != nil {
		return BalanceReport{}, err
	}

	remotes := p.cfg.ActiveRemotes()
	counts := make(map[string]int, len(remotes))
	for _, r := range remotes {
		counts[r] = 0
	}

	total := 0
	byFile := make(map[string]*model.Manifest, len(manifests))
	for _, m := range manifests {
		byFile[m.FilePath] = m
		for _, c := range m.Chunks {
			counts[c.Remote]++
			total++
		}
	}

	ideal := total / len(remotes)
	report := BalanceReport{ChunkCounts: counts, Ideal: ideal}

	report.Moves = planMoves(manifests, remotes, counts, ideal)
	if dryRun || len(report.Moves) == 0 {
		return report, nil
	}

	for _, mv := range report.Moves {
		if err := p.moveChunk(ctx, byFile[mv.FilePath], mv); err != nil {
			p.log.Warnw("chunk migration failed", "path", mv.FilePath, "index", mv.ChunkIndex, "err", err)
			continue
		}
		report.Executed++
	}

	p.log.Infow("rebalance complete", "planned", len(report.Moves), "executed", report.Executed)
	return report, nil
}

// planMoves pairs surplus chunks on overloaded remotes with the currently
// least-loaded targets, keeping the simulation in chunk counts.
func planMoves(manifests []*model.Manifest, remotes []string, counts map[string]int, ideal int) []ChunkMove {
	simulated := make(map[string]int, len(counts))
	for r, c := range counts {
		simulated[r] = c
	}

	var moves []ChunkMove
	for _, m := range manifests {
		for _, c := range m.Chunks {
			if simulated[c.Remote] <= ideal {
				continue
			}

			target := leastLoaded(remotes, simulated, c.Remote)
			if target == "" || simulated[target] >= ideal {
				continue
			}

			moves = append(moves, ChunkMove{
				FilePath:   m.FilePath,
				ChunkIndex: c.Index,
				From:       c.Remote,
				To:         target,
				Size:       c.Size,
			})
			simulated[c.Remote]--
			simulated[target]++
		}
	}

	sort.Slice(moves, func(i, j int) bool {
		if moves[i].FilePath != moves[j].FilePath {
			return moves[i].FilePath < moves[j].FilePath
		}
		return moves[i].ChunkIndex < moves[j].ChunkIndex
	})
	return moves
}

func leastLoaded(remotes []string, counts map[string]int, exclude string) string {
	best := ""
	for _, r := range remotes {
		if r == exclude {
			continue
		}
		if best == "" || counts[r] < counts[best] {
			best = r
		}
	}
	return best
}

// moveChunk migrates one chunk: copy to the target, rewrite the manifest on
// every remote, then delete the source copy.
func (p *Pool) moveChunk(ctx context.Context, m *model.Manifest, mv ChunkMove) error {
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, mv.FilePath)
	}

	unlock := p.lockPath(m.FilePath)
	defer unlock()

	// Re-load: an earlier move of this file may have rewritten it.
	current, err := p.Stat(ctx, m.FilePath)
	if err != nil {
		return err
	}
	if mv.ChunkIndex < 0 || mv.ChunkIndex >= len(current.Chunks) {
		return fmt.Errorf("chunk %d out of range", mv.ChunkIndex)
	}
	c := current.Chunks[mv.ChunkIndex]
	if c.Remote != mv.From {
		return nil // already migrated
	}

	data, err := p.tr.GetBytes(ctx, c.Remote, c.Path)
	if err != nil {
		return err
	}
	if err := p.tr.PutBytes(ctx, data, mv.To, c.Path); err != nil {
		return err
	}

	moved := *current
	moved.Chunks = append([]model.ChunkDescriptor(nil), current.Chunks...)
	moved.Chunks[mv.ChunkIndex].Remote = mv.To

	if _, err := p.store.Save(ctx, &moved); err != nil {
		// Leave the extra copy for the orphan scan rather than risk the
		// manifest pointing at a deleted object.
		p.store.Invalidate(ctx, m.FilePath)
		return err
	}

	if err := p.tr.Delete(ctx, mv.From, c.Path); err != nil && !errors.Is(err, transport.ErrNotFound) {
		p.log.Warnw("source copy not deleted after migration", "remote", mv.From, "path", c.Path, "err", err)
	}

	p.bal.Record(mv.From, -c.Size)
	p.bal.Record(mv.To, c.Size)

	p.log.Infow("chunk migrated", "path", m.FilePath, "index", mv.ChunkIndex, "from", mv.From, "to", mv.To)
	return nil
}
