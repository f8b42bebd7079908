// Package picker selects which pieces to request next from a peer, using a
// rarest-first policy over the swarm's observed piece availability, adapted
// from piecerequest.rarestFirstPolicy to the block-pipelined request model
// of this engine.
package picker

import (
	"fmt"

	"github.com/willf/bitset"

	"github.com/riftwire/torrent/utils/heap"
	"github.com/riftwire/torrent/utils/syncutil"
)

// Picker selects the next pieces to request, preferring pieces the fewest
// peers have (rarest first), with priority pieces always preferred over
// non-priority ones regardless of rarity.
type Picker struct {
	priority map[int]bool
}

// New creates a Picker. priority names piece indices that must be requested
// before any non-priority piece.
func New(priority []int) *Picker {
	p := make(map[int]bool, len(priority))
	for _, i := range priority {
		p[i] = true
	}
	return &Picker{priority: p}
}

// SetPriority replaces the priority piece set.
func (p *Picker) SetPriority(indices []int) {
	p.priority = make(map[int]bool, len(indices))
	for _, i := range indices {
		p.priority[i] = true
	}
}

// Select returns up to limit piece indices from candidates (pieces the
// remote peer has, that we lack, and aren't already fully requested),
// ordered by priority first then rarest-first among numPeersByPiece.
func (p *Picker) Select(
	limit int,
	candidates *bitset.BitSet,
	valid func(pieceIdx int) bool,
	numPeersByPiece syncutil.Counters) ([]int, error) {

	priorityQueue := heap.NewPriorityQueue()
	rareQueue := heap.NewPriorityQueue()

	for idx, ok := candidates.NextSet(0); ok; idx, ok = candidates.NextSet(idx + 1) {
		i := int(idx)
		item := &heap.Item{Value: i, Priority: numPeersByPiece.Get(i)}
		if p.priority[i] {
			priorityQueue.Push(item)
		} else {
			rareQueue.Push(item)
		}
	}

	pieces := make([]int, 0, limit)
	for _, q := range []*heap.PriorityQueue{priorityQueue, rareQueue} {
		for len(pieces) < limit && q.Len() > 0 {
			item, err := q.Pop()
			if err != nil {
				return nil, err
			}
			candidate, ok := item.Value.(int)
			if !ok {
				return nil, fmt.Errorf("picker: expected int, got %T", item.Value)
			}
			if valid(candidate) {
				pieces = append(pieces, candidate)
			}
		}
	}

	return pieces, nil
}
