package tile

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// State is the meshing lifecycle state of one tile.
type State int32

const (
	Absent State = iota
	Queued
	Meshing
	Ready
	Stale
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Queued:
		return "queued"
	case Meshing:
		return "meshing"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrConflict reports that a compare-and-swap lost a race.
	ErrConflict = errors.New("tile: state conflict")
	// ErrIllegalTransition reports an edge that the state machine never allows.
	ErrIllegalTransition = errors.New("tile: illegal transition")
)

// legal lists every edge of the tile state machine.
var legal = [5][5]bool{
	Absent:  {Queued: true},
	Queued:  {Meshing: true, Absent: true},
	Meshing: {Ready: true, Queued: true},
	Ready:   {Stale: true, Absent: true},
	Stale:   {Queued: true, Absent: true},
}

// Legal reports whether the state machine permits from -> to.
func Legal(from, to State) bool {
	if from < Absent || from > Stale || to < Absent || to > Stale {
		return false
	}
	return legal[from][to]
}

// Event records one successful transition.
type Event struct {
	Coord Coord
	From  State
	To    State
}

// supersededBit rides in the state word so that flagging a running job and
// the job leaving Meshing are ordered by the same compare-and-swap.
const (
	stateMask     = 0xff
	supersededBit = 1 << 8
)

type slot struct {
	word    atomic.Int32 // State | supersededBit
	visible atomic.Bool
	holders atomic.Int32
}

func (s *slot) state() State {
	return State(s.word.Load() & stateMask)
}

// swap moves the slot from one state to another, returning false when the
// state is not from. The superseded flag survives Queued -> Meshing only.
func (s *slot) swap(from, to State) bool {
	for {
		w := s.word.Load()
		if State(w&stateMask) != from {
			return false
		}
		next := int32(to)
		if from == Queued && to == Meshing {
			next |= w & supersededBit
		}
		if s.word.CompareAndSwap(w, next) {
			return true
		}
	}
}

// Index maps tile coordinates to their lifecycle state. Transitions are
// per-tile compare-and-swaps; the index never locks across tiles except when
// a coordinate is seen for the first time.
type Index struct {
	slots sync.Map // Coord -> *slot

	keysMu sync.Mutex
	keys   *btree.BTreeG[Coord]

	sinkMu sync.RWMutex
	sinks  []func(Event)
}

// NewIndex creates an empty tile index.
func NewIndex() *Index {
	return &Index{
		keys: btree.NewG(16, func(a, b Coord) bool { return a.Less(b) }),
	}
}

// Subscribe registers fn to receive every successful transition. fn runs on
// the goroutine that performed the transition and must not block.
func (ix *Index) Subscribe(fn func(Event)) {
	ix.sinkMu.Lock()
	ix.sinks = append(ix.sinks, fn)
	ix.sinkMu.Unlock()
}

func (ix *Index) lookup(c Coord) *slot {
	if v, ok := ix.slots.Load(c); ok {
		return v.(*slot)
	}
	return nil
}

func (ix *Index) lookupOrCreate(c Coord) *slot {
	if s := ix.lookup(c); s != nil {
		return s
	}
	v, loaded := ix.slots.LoadOrStore(c, &slot{})
	if !loaded {
		ix.keysMu.Lock()
		ix.keys.ReplaceOrInsert(c)
		ix.keysMu.Unlock()
	}
	return v.(*slot)
}

// State returns the current state of c, Absent if never seen.
func (ix *Index) State(c Coord) State {
	s := ix.lookup(c)
	if s == nil {
		return Absent
	}
	return s.state()
}

// Transition moves c from one state to another if its current state is from.
func (ix *Index) Transition(c Coord, from, to State) error {
	if !Legal(from, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, from, to, c)
	}
	var s *slot
	if from == Absent {
		s = ix.lookupOrCreate(c)
	} else if s = ix.lookup(c); s == nil {
		return ErrConflict
	}
	if !s.swap(from, to) {
		return ErrConflict
	}
	ix.emit(Event{Coord: c, From: from, To: to})
	return nil
}

func (ix *Index) emit(ev Event) {
	ix.sinkMu.RLock()
	sinks := ix.sinks
	ix.sinkMu.RUnlock()
	for _, fn := range sinks {
		fn(ev)
	}
}

// EnterMeshing claims c for a worker. Two holders of the same tile mean the
// index is corrupt, so that case panics.
func (ix *Index) EnterMeshing(c Coord) error {
	if err := ix.Transition(c, Queued, Meshing); err != nil {
		return err
	}
	s := ix.lookup(c)
	if n := s.holders.Add(1); n != 1 {
		panic(fmt.Sprintf("tile: %d workers hold %s in meshing", n, c))
	}
	return nil
}

// ExitMeshing releases the worker claim on c and moves it to Ready or Queued.
// A job superseded while it ran never lands in Ready: it goes back to Queued
// instead. FinishMeshing reports which state was reached.
func (ix *Index) ExitMeshing(c Coord, to State) error {
	_, err := ix.exitMeshing(c, to)
	return err
}

// FinishMeshing publishes the result of a job on c. It returns Ready, or
// Queued when an edit superseded the job after its window was read.
func (ix *Index) FinishMeshing(c Coord) (State, error) {
	return ix.exitMeshing(c, Ready)
}

func (ix *Index) exitMeshing(c Coord, to State) (State, error) {
	if !Legal(Meshing, to) {
		return Meshing, fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, Meshing, to, c)
	}
	s := ix.lookup(c)
	if s == nil {
		return Absent, ErrConflict
	}
	for {
		w := s.word.Load()
		if State(w&stateMask) != Meshing {
			return State(w & stateMask), ErrConflict
		}
		reached := to
		if w&supersededBit != 0 {
			reached = Queued
		}
		if s.word.CompareAndSwap(w, int32(reached)) {
			if n := s.holders.Add(-1); n != 0 {
				panic(fmt.Sprintf("tile: %s left meshing with %d holders", c, n))
			}
			ix.emit(Event{Coord: c, From: Meshing, To: reached})
			return reached, nil
		}
	}
}

// SetVisible records whether the renderer currently wants c.
func (ix *Index) SetVisible(c Coord, v bool) {
	if !v {
		if s := ix.lookup(c); s != nil {
			s.visible.Store(false)
		}
		return
	}
	ix.lookupOrCreate(c).visible.Store(true)
}

// Visible reports whether c was requested and not hidden since.
func (ix *Index) Visible(c Coord) bool {
	s := ix.lookup(c)
	return s != nil && s.visible.Load()
}

// MarkSuperseded flags the pending or running job of c as out of date.
// It returns false when c is not Queued or Meshing.
func (ix *Index) MarkSuperseded(c Coord) bool {
	s := ix.lookup(c)
	if s == nil {
		return false
	}
	for {
		w := s.word.Load()
		switch State(w & stateMask) {
		case Queued, Meshing:
		default:
			return false
		}
		if s.word.CompareAndSwap(w, w|supersededBit) {
			return true
		}
	}
}

// TakeSuperseded clears and returns the superseded flag of c.
func (ix *Index) TakeSuperseded(c Coord) bool {
	s := ix.lookup(c)
	if s == nil {
		return false
	}
	for {
		w := s.word.Load()
		if w&supersededBit == 0 {
			return false
		}
		if s.word.CompareAndSwap(w, w&^supersededBit) {
			return true
		}
	}
}

// Coords returns every coordinate the index has seen, in Less order.
func (ix *Index) Coords() []Coord {
	ix.keysMu.Lock()
	defer ix.keysMu.Unlock()
	out := make([]Coord, 0, ix.keys.Len())
	ix.keys.Ascend(func(c Coord) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Counts returns the number of tiles in each non-absent state.
func (ix *Index) Counts() map[State]int {
	out := make(map[State]int)
	ix.slots.Range(func(_, v any) bool {
		st := v.(*slot).state()
		if st != Absent {
			out[st]++
		}
		return true
	})
	return out
}

// Reset forgets every tile. Callers must stop workers first.
func (ix *Index) Reset() {
	ix.keysMu.Lock()
	ix.slots.Range(func(k, _ any) bool {
		ix.slots.Delete(k)
		return true
	})
	ix.keys.Clear(false)
	ix.keysMu.Unlock()
}
