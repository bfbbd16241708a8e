package render

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"voxmesh/internal/cache"
	"voxmesh/internal/meshing"
	"voxmesh/internal/profiling"
	"voxmesh/internal/tile"
)

// Source serves the fragment a renderer should currently show for a tile.
type Source interface {
	ReadyFragment(c tile.Coord) (*cache.Handle, bool)
}

// Mesh is a resident fragment ready to draw.
type Mesh struct {
	Buffers
	Coord      tile.Coord
	Origin     [3]int
	Generation uint64
}

// Stats counts uploader activity.
type Stats struct {
	Resident int
	Bytes    int
	Uploads  uint64
	Deletes  uint64
	Failures uint64
}

// Uploader keeps GPU copies of published fragments. Published and Freed may
// be called from any goroutine; Flush, Mesh, Meshes and Close belong to the
// graphics thread.
type Uploader struct {
	dev Device
	src Source
	log *slog.Logger

	mu    sync.Mutex
	dirty map[tile.Coord]struct{}
	freed []*meshing.Fragment

	resident map[*meshing.Fragment]Mesh
	current  map[tile.Coord]*meshing.Fragment
	stats    Stats
}

// NewUploader creates an uploader pulling fragments from src onto dev.
func NewUploader(dev Device, src Source, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		dev:      dev,
		src:      src,
		log:      logger.With("component", "render"),
		dirty:    make(map[tile.Coord]struct{}),
		resident: make(map[*meshing.Fragment]Mesh),
		current:  make(map[tile.Coord]*meshing.Fragment),
	}
}

// Published marks the fragment's tile for upload on the next Flush.
func (u *Uploader) Published(f *meshing.Fragment) {
	u.mu.Lock()
	u.dirty[f.Coord] = struct{}{}
	u.mu.Unlock()
}

// Freed schedules the GPU copy of f, if any, for deletion.
func (u *Uploader) Freed(f *meshing.Fragment) {
	u.mu.Lock()
	u.freed = append(u.freed, f)
	u.mu.Unlock()
}

// Flush uploads the current fragment of every tile marked since the last
// flush and deletes buffers of freed fragments. A failed upload leaves the
// previous mesh in place, is retried on the next Flush and is joined into
// the returned error.
func (u *Uploader) Flush() error {
	defer profiling.Track("render.Flush")()
	u.mu.Lock()
	dirty := make([]tile.Coord, 0, len(u.dirty))
	for c := range u.dirty {
		dirty = append(dirty, c)
	}
	clear(u.dirty)
	freed := u.freed
	u.freed = nil
	u.mu.Unlock()

	slices.SortFunc(dirty, func(a, b tile.Coord) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})

	var errs []error
	failed := make(map[tile.Coord]bool)
	for _, c := range dirty {
		if err := u.refresh(c); err != nil {
			errs = append(errs, err)
			failed[c] = true
		}
	}
	for _, f := range freed {
		// keep showing the old mesh until its replacement uploads
		if m, ok := u.resident[f]; ok && failed[m.Coord] && u.current[m.Coord] == f {
			continue
		}
		u.drop(f)
	}
	if len(failed) > 0 {
		u.mu.Lock()
		for c := range failed {
			u.dirty[c] = struct{}{}
		}
		u.mu.Unlock()
	}
	return errors.Join(errs...)
}

// refresh makes the resident mesh of c match what the source serves.
func (u *Uploader) refresh(c tile.Coord) error {
	h, ok := u.src.ReadyFragment(c)
	if !ok {
		return nil
	}
	f := h.Fragment()
	h.Release()

	if u.current[c] == f {
		return nil
	}
	if _, ok := u.resident[f]; !ok {
		if f.Empty() {
			u.retire(c)
			return nil
		}
		s := StreamsOf(f)
		b, err := u.dev.Upload(s)
		if err != nil {
			u.stats.Failures++
			return fmt.Errorf("render: upload %s: %w", c, err)
		}
		b.Bytes = s.Bytes()
		u.resident[f] = Mesh{Buffers: b, Coord: c, Origin: f.Origin, Generation: f.Generation}
		u.stats.Uploads++
		u.stats.Bytes += b.Bytes
	}
	u.retire(c)
	u.current[c] = f
	return nil
}

// retire deletes the mesh currently shown for c.
func (u *Uploader) retire(c tile.Coord) {
	if prev, ok := u.current[c]; ok {
		delete(u.current, c)
		u.drop(prev)
	}
}

func (u *Uploader) drop(f *meshing.Fragment) {
	m, ok := u.resident[f]
	if !ok {
		return
	}
	delete(u.resident, f)
	if u.current[m.Coord] == f {
		delete(u.current, m.Coord)
	}
	u.dev.Delete(m.Buffers)
	u.stats.Deletes++
	u.stats.Bytes -= m.Bytes
}

// Mesh returns the resident mesh shown for c.
func (u *Uploader) Mesh(c tile.Coord) (Mesh, bool) {
	f, ok := u.current[c]
	if !ok {
		return Mesh{}, false
	}
	return u.resident[f], true
}

// Meshes returns every resident mesh shown, ordered by tile.
func (u *Uploader) Meshes() []Mesh {
	out := make([]Mesh, 0, len(u.current))
	for _, f := range u.current {
		out = append(out, u.resident[f])
	}
	slices.SortFunc(out, func(a, b Mesh) int {
		switch {
		case a.Coord.Less(b.Coord):
			return -1
		case b.Coord.Less(a.Coord):
			return 1
		}
		return 0
	})
	return out
}

// Stats returns counters as of the last Flush.
func (u *Uploader) Stats() Stats {
	s := u.stats
	s.Resident = len(u.resident)
	return s
}

// Close deletes every resident buffer.
func (u *Uploader) Close() {
	for f := range u.resident {
		u.drop(f)
	}
	u.log.Debug("uploader closed", "uploads", u.stats.Uploads, "deletes", u.stats.Deletes)
}
