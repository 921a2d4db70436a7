// Package accumulator implements the append-only Merkle accumulator that
// anchors each committed batch to a single root hash: leaves
// are appended in commit order, inner nodes are cached by (level,
// position) so that only the path affected by a new batch is
// recomputed, and each level's pairwise hashing fans out across the
// worker pool.
package accumulator
