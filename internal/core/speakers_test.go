package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertNoDuplicates(t *testing.T, ids []ProducerID) {
	t.Helper()
	seen := make(map[ProducerID]bool, len(ids))
	for _, id := range ids {
		require.False(t, seen[id], "duplicate %s in %v", id, ids)
		seen[id] = true
	}
}

func TestRankingAppendKeepsJoinOrder(t *testing.T) {
	var r SpeakerRanking
	assert.True(t, r.Append("a1"))
	assert.True(t, r.Append("a2"))
	assert.False(t, r.Append("a1"))
	assert.Equal(t, []ProducerID{"a1", "a2"}, r.Snapshot())
}

func TestRankingPromoteMovesToFront(t *testing.T) {
	var r SpeakerRanking
	for _, id := range []ProducerID{"a", "b", "c"} {
		r.Append(id)
	}
	r.Promote("c")
	assert.Equal(t, []ProducerID{"c", "a", "b"}, r.Snapshot())

	r.Promote("new")
	assert.Equal(t, []ProducerID{"new", "c", "a", "b"}, r.Snapshot())

	r.Promote("new")
	assert.Equal(t, []ProducerID{"new", "c", "a", "b"}, r.Snapshot())

	assert.False(t, r.Promote(""))
	assertNoDuplicates(t, r.Snapshot())
}

func TestRankingRemoveAnyPosition(t *testing.T) {
	var r SpeakerRanking
	for _, id := range []ProducerID{"a", "b", "c", "d", "e", "f", "g"} {
		r.Append(id)
	}
	assert.True(t, r.Remove("f"))
	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("zz"))
	assert.Equal(t, []ProducerID{"b", "c", "d", "e", "g"}, r.Snapshot())
}

func TestRankingVisibleHiddenSplit(t *testing.T) {
	for n := 0; n <= 9; n++ {
		t.Run(fmt.Sprintf("len=%d", n), func(t *testing.T) {
			var r SpeakerRanking
			for i := 0; i < n; i++ {
				r.Append(ProducerID(fmt.Sprintf("p%d", i)))
			}
			all := r.Snapshot()
			visible, hidden := r.Visible(), r.Hidden()
			assert.Len(t, visible, min(n, VisibleCount))
			assert.Len(t, hidden, max(0, n-VisibleCount))
			assert.Equal(t, all, append(append([]ProducerID{}, visible...), hidden...))
		})
	}
}

func TestRankingVisibleIsACopy(t *testing.T) {
	var r SpeakerRanking
	r.Append("a")
	v := r.Visible()
	v[0] = "mutated"
	assert.Equal(t, []ProducerID{"a"}, r.Snapshot())
}

func TestRankingMixedOperationsNeverDuplicate(t *testing.T) {
	var r SpeakerRanking
	ops := []struct {
		op  string
		pid ProducerID
	}{
		{"append", "a"}, {"promote", "b"}, {"append", "b"}, {"promote", "a"},
		{"append", "c"}, {"promote", "c"}, {"remove", "b"}, {"promote", "b"},
		{"append", "a"}, {"promote", "c"},
	}
	for _, o := range ops {
		switch o.op {
		case "append":
			r.Append(o.pid)
		case "promote":
			r.Promote(o.pid)
			require.Equal(t, o.pid, r.Snapshot()[0])
		case "remove":
			r.Remove(o.pid)
		}
		assertNoDuplicates(t, r.Snapshot())
	}
	assert.Equal(t, []ProducerID{"c", "b", "a"}, r.Snapshot())
}
