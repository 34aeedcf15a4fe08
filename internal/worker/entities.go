package worker

import (
	"math"

	"trackd/internal/engine"
	"trackd/internal/track"
)

const (
	// matchRadius is the maximum centroid displacement, in original-frame
	// pixels, for a detection to inherit an existing entity id.
	matchRadius = 96.0
	// entityTTL is how many frames an entity survives without a match
	entityTTL = 30
)

// entityMatcher assigns stable entity ids within one chunk. Engines that
// track natively (TrackID set) get a direct mapping; the rest are matched by
// nearest centroid. State is chunk-local: identity is never stitched across
// chunk boundaries.
type entityMatcher struct {
	next     int
	byTrack  map[int]int // engine track id -> entity id
	lastPos  map[int]track.Point
	lastSeen map[int]int
}

func newEntityMatcher() *entityMatcher {
	return &entityMatcher{
		byTrack:  make(map[int]int),
		lastPos:  make(map[int]track.Point),
		lastSeen: make(map[int]int),
	}
}

// assign returns the entity id for a detection on the given frame.
func (m *entityMatcher) assign(frame int, det *engine.Detection) int {
	m.expire(frame)

	if det.TrackID != nil {
		id, ok := m.byTrack[*det.TrackID]
		if !ok {
			id = m.alloc()
			m.byTrack[*det.TrackID] = id
		}
		m.touch(id, frame, det.Centroid)
		return id
	}

	best, bestDist := -1, matchRadius
	for id, pos := range m.lastPos {
		d := math.Hypot(pos.X-det.Centroid.X, pos.Y-det.Centroid.Y)
		if d < bestDist {
			best, bestDist = id, d
		}
	}
	if best < 0 {
		best = m.alloc()
	}
	m.touch(best, frame, det.Centroid)
	return best
}

func (m *entityMatcher) alloc() int {
	id := m.next
	m.next++
	return id
}

func (m *entityMatcher) touch(id, frame int, pos track.Point) {
	m.lastPos[id] = pos
	m.lastSeen[id] = frame
}

func (m *entityMatcher) expire(frame int) {
	for id, seen := range m.lastSeen {
		if frame-seen > entityTTL {
			delete(m.lastPos, id)
			delete(m.lastSeen, id)
		}
	}
	for tid, id := range m.byTrack {
		if _, alive := m.lastSeen[id]; !alive {
			delete(m.byTrack, tid)
		}
	}
}
