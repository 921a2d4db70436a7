package sequencer

import "github.com/cuemby/l2seq/pkg/types"

// buildLevels partitions txs into conflict-free levels:
// every transaction in a level is conflict-free with every other
// transaction in that level, so a level can execute entirely in
// parallel; levels themselves run in order, since a later level may
// depend on state only a former level can have produced. Transaction
// order within txs is preserved as the canonical commit order — levels
// only change execution order, never the order transactions are written
// to the log or applied.
func buildLevels(txs []*types.Transaction) [][]int {
	var levels [][]int
	levelOf := make([]int, len(txs))

	for i, tx := range txs {
		assigned := 0
		for j := 0; j < i; j++ {
			if tx.ConflictsWith(txs[j]) && levelOf[j] >= assigned {
				assigned = levelOf[j] + 1
			}
		}
		levelOf[i] = assigned
		for len(levels) <= assigned {
			levels = append(levels, nil)
		}
		levels[assigned] = append(levels[assigned], i)
	}
	return levels
}
