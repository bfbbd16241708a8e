package dirty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmesh/internal/tile"
)

func point(x, y, z int) Region {
	return Box([3]int{x, y, z}, [3]int{x, y, z}, 0, 0)
}

func TestCoveringIncludesHalo(t *testing.T) {
	tr := NewTracker(tile.NewIndex(), 16, 4, nil)

	tests := []struct {
		name string
		r    Region
		want []tile.Coord
	}{
		{"interior voxel", point(8, 8, 8), []tile.Coord{{}}},
		{"near upper face", point(15, 8, 8), []tile.Coord{{}, {X: 1}}},
		{"on shared face", point(16, 8, 8), []tile.Coord{{}, {X: 1}}},
		{"in upper halo", point(17, 8, 8), []tile.Coord{{}, {X: 1}}},
		{"negative side", point(-1, 8, 8), []tile.Coord{{X: -1}, {}}},
		{"coarse interior", Box([3]int{8, 8, 8}, [3]int{8, 8, 8}, 1, 1), []tile.Coord{{LOD: 1}}},
		{"coarse halo", Box([3]int{33, 8, 8}, [3]int{33, 8, 8}, 1, 1), []tile.Coord{{LOD: 1}, {X: 1, LOD: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Covering(tt.r))
		})
	}

	// the origin corner touches the halo of all eight surrounding tiles
	assert.Len(t, tr.Covering(point(0, 0, 0)), 8)
}

func TestCoveringNormalizesRegion(t *testing.T) {
	tr := NewTracker(tile.NewIndex(), 16, 2, nil)
	r := Region{Min: [3]int{40, 8, 8}, Max: [3]int{20, 8, 8}, MinLOD: 5, MaxLOD: -1}
	got := tr.Covering(r)
	require.NotEmpty(t, got)
	assert.Equal(t, 0, got[0].LOD)
	assert.Equal(t, 2, got[len(got)-1].LOD)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Less(got[i]))
	}
}

func setState(t *testing.T, ix *tile.Index, c tile.Coord, st tile.State) {
	t.Helper()
	path := map[tile.State][]tile.State{
		tile.Queued:  {tile.Queued},
		tile.Meshing: {tile.Queued, tile.Meshing},
		tile.Ready:   {tile.Queued, tile.Meshing, tile.Ready},
		tile.Stale:   {tile.Queued, tile.Meshing, tile.Ready, tile.Stale},
	}[st]
	from := tile.Absent
	for _, to := range path {
		if to == tile.Meshing {
			require.NoError(t, ix.EnterMeshing(c))
		} else if from == tile.Meshing {
			require.NoError(t, ix.ExitMeshing(c, to))
		} else {
			require.NoError(t, ix.Transition(c, from, to))
		}
		from = to
	}
}

func TestNotifyEditAppliesRules(t *testing.T) {
	ix := tile.NewIndex()
	tr := NewTracker(ix, 16, 0, nil)

	readyVisible := tile.Coord{X: 0}
	readyHidden := tile.Coord{X: 1}
	staleVisible := tile.Coord{X: 2}
	queued := tile.Coord{X: 3}
	meshing := tile.Coord{X: 4}
	absent := tile.Coord{X: 5}

	setState(t, ix, readyVisible, tile.Ready)
	ix.SetVisible(readyVisible, true)
	setState(t, ix, readyHidden, tile.Ready)
	setState(t, ix, staleVisible, tile.Stale)
	ix.SetVisible(staleVisible, true)
	setState(t, ix, queued, tile.Queued)
	setState(t, ix, meshing, tile.Meshing)

	var requeued []tile.Coord
	ix.Subscribe(func(ev tile.Event) {
		if ev.To == tile.Queued {
			requeued = append(requeued, ev.Coord)
		}
	})

	// interior of tiles 0..5 along x, away from the y and z halos
	res := tr.NotifyEdit(Box([3]int{2, 8, 8}, [3]int{5*16 + 8, 8, 8}, 0, 0))
	assert.Equal(t, 6, res.Covered)
	assert.Equal(t, 2, res.Staled)
	assert.Equal(t, 2, res.Requeued)
	assert.Equal(t, 2, res.Superseded)

	assert.Equal(t, tile.Queued, ix.State(readyVisible))
	assert.Equal(t, tile.Stale, ix.State(readyHidden))
	assert.Equal(t, tile.Queued, ix.State(staleVisible))
	assert.Equal(t, tile.Queued, ix.State(queued))
	assert.True(t, ix.TakeSuperseded(queued))
	assert.Equal(t, tile.Meshing, ix.State(meshing))
	assert.True(t, ix.TakeSuperseded(meshing))
	assert.Equal(t, tile.Absent, ix.State(absent))
	assert.Equal(t, []tile.Coord{readyVisible, staleVisible}, requeued)
	assert.Equal(t, uint64(1), tr.Edits())
}

func TestEditWhilePublishingRequeues(t *testing.T) {
	ix := tile.NewIndex()
	tr := NewTracker(ix, 16, 0, nil)
	c := tile.Coord{}
	ix.SetVisible(c, true)
	setState(t, ix, c, tile.Meshing)

	// the worker has read its window and checked the flag
	assert.False(t, ix.TakeSuperseded(c))
	res := tr.NotifyEdit(point(8, 8, 8))
	assert.Equal(t, Result{Covered: 1, Superseded: 1}, res)

	to, err := ix.FinishMeshing(c)
	require.NoError(t, err)
	assert.Equal(t, tile.Queued, to)
	assert.Equal(t, tile.Queued, ix.State(c))
}

func TestNotifyEditOutsideKnownTilesIsNoop(t *testing.T) {
	ix := tile.NewIndex()
	tr := NewTracker(ix, 16, 3, nil)
	res := tr.NotifyEdit(Box([3]int{-100, -100, -100}, [3]int{-90, -90, -90}, 0, 3))
	assert.NotZero(t, res.Covered)
	assert.Zero(t, res.Staled+res.Requeued+res.Superseded)
	assert.Empty(t, ix.Coords(), "absent tiles must not be created")
}
