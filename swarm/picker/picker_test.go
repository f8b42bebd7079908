package picker

import (
	"testing"

	"github.com/willf/bitset"
	"github.com/stretchr/testify/require"

	"github.com/riftwire/torrent/utils/syncutil"
)

func allValid(int) bool { return true }

func TestSelectRarestFirst(t *testing.T) {
	require := require.New(t)

	p := New(nil)
	candidates := bitset.New(4)
	candidates.Set(0).Set(1).Set(2).Set(3)

	counters := syncutil.NewCounters(4)
	counters.Set(0, 5)
	counters.Set(1, 1)
	counters.Set(2, 3)
	counters.Set(3, 2)

	got, err := p.Select(4, candidates, allValid, counters)
	require.NoError(err)
	require.Equal([]int{1, 3, 2, 0}, got)
}

func TestSelectRespectsLimit(t *testing.T) {
	require := require.New(t)

	p := New(nil)
	candidates := bitset.New(4)
	candidates.Set(0).Set(1).Set(2).Set(3)
	counters := syncutil.NewCounters(4)

	got, err := p.Select(2, candidates, allValid, counters)
	require.NoError(err)
	require.Len(got, 2)
}

func TestSelectPriorityAlwaysWinsOverRarity(t *testing.T) {
	require := require.New(t)

	p := New([]int{3})
	candidates := bitset.New(4)
	candidates.Set(0).Set(1).Set(2).Set(3)

	counters := syncutil.NewCounters(4)
	counters.Set(0, 1)
	counters.Set(1, 1)
	counters.Set(2, 1)
	counters.Set(3, 100) // very common, but prioritized

	got, err := p.Select(1, candidates, allValid, counters)
	require.NoError(err)
	require.Equal([]int{3}, got)
}

func TestSelectSkipsInvalidCandidates(t *testing.T) {
	require := require.New(t)

	p := New(nil)
	candidates := bitset.New(3)
	candidates.Set(0).Set(1).Set(2)
	counters := syncutil.NewCounters(3)

	valid := func(i int) bool { return i != 1 }

	got, err := p.Select(3, candidates, valid, counters)
	require.NoError(err)
	require.NotContains(got, 1)
	require.Len(got, 2)
}

func TestSetPriorityReplacesSet(t *testing.T) {
	require := require.New(t)

	p := New([]int{0})
	p.SetPriority([]int{2})

	candidates := bitset.New(3)
	candidates.Set(0).Set(1).Set(2)
	counters := syncutil.NewCounters(3)

	got, err := p.Select(1, candidates, allValid, counters)
	require.NoError(err)
	require.Equal([]int{2}, got)
}
