package swarm

import "sort"

// maxUnchoked computes the dynamic unchoke slot count: all peers while
// below MaxUnchokedAllBelow connections, otherwise MaxUnchokedRatio of the
// connected count clamped to at least MaxUnchokedMin.
func maxUnchoked(config Config, numConns int) int {
	if numConns <= config.MaxUnchokedAllBelow {
		return numConns
	}
	n := int(float64(numConns) * config.MaxUnchokedRatio)
	if n < config.MaxUnchokedMin {
		n = config.MaxUnchokedMin
	}
	if n > numConns {
		n = numConns
	}
	return n
}

// chokeDecision runs one round of choke evaluation. The candidate set is
// restricted to peers that have told us they're interested in our pieces;
// peers we've never heard interest from are left untouched entirely. Among
// candidates, the top `slots` by measured download rate (tit-for-tat) are
// unchoked, plus one rotating optimistic-unchoke slot for a candidate
// outside that set.
//
// Of the remaining candidates, only those downloading from us at zero rate
// are choked; a candidate with a nonzero rate but outside the selection is
// left as-is. While seeding, our download rate from every peer is
// meaningless (there's nothing left to request from them), so every
// interested candidate is unchoked instead of being subjected to the
// rate-based cut.
func chokeDecision(peers []*peer, slots int, optimisticIdx int, seeding bool) (unchoke []*peer, choke []*peer) {
	var candidates []*peer
	for _, p := range peers {
		if p.PeerInterested() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ordered := make([]*peer, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].DownloadRate() > ordered[j].DownloadRate()
	})

	selected := make(map[*peer]bool, slots+1)
	for i := 0; i < slots && i < len(ordered); i++ {
		selected[ordered[i]] = true
	}

	var optPeer *peer
	if optimisticIdx >= 0 && len(ordered) > slots {
		rest := ordered[slots:]
		optPeer = rest[optimisticIdx%len(rest)]
		selected[optPeer] = true
	}

	for _, p := range candidates {
		p.SetOptimistic(p == optPeer)
		if !selected[p] && seeding {
			selected[p] = true
		}
	}

	for _, p := range candidates {
		switch {
		case selected[p]:
			unchoke = append(unchoke, p)
		case p.DownloadRate() == 0:
			choke = append(choke, p)
		}
	}
	return unchoke, choke
}
