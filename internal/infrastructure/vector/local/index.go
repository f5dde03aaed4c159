package local

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/askrag/internal/core/domain"
)

type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

func ParseMetric(value string) (Metric, error) {
	switch Metric(value) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("unknown index metric %q", value)
	}
}

type entry struct {
	id         int64
	chunkID    string
	documentID string
	vector     []float32
}

// snapshot is immutable once published. entries shares its backing array with
// later snapshots; appends only write past the length readers can see.
type snapshot struct {
	entries    []entry
	tombstones map[int64]struct{}
	dim        int
}

// Index is an exact in-process vector index. Searches read the current
// snapshot without locking; writers are serialized by writeMu.
type Index struct {
	metric Metric
	dir    string

	snap atomic.Pointer[snapshot]

	writeMu sync.Mutex
	byChunk map[string]int64
	nextID  int64
}

// New creates an empty index. dir is where Persist and Load keep files; it
// may be empty for a purely in-memory index.
func New(metric Metric, dir string) *Index {
	idx := &Index{metric: metric, dir: dir}
	idx.Reset()
	return idx
}

func (x *Index) Metric() Metric {
	return x.metric
}

func (x *Index) Reset() {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.byChunk = make(map[string]int64)
	x.nextID = 1
	x.snap.Store(&snapshot{tombstones: map[int64]struct{}{}})
}

// Insert adds a vector and returns its id. Inserting a chunk id that is
// already live replaces the previous vector.
func (x *Index) Insert(ctx context.Context, e domain.IndexEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.ChunkID == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "index.insert", fmt.Errorf("chunk id is required"))
	}
	vector, err := x.prepare(e.Vector)
	if err != nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "index.insert", err)
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	cur := x.snap.Load()
	if cur.dim != 0 && cur.dim != len(vector) {
		return 0, domain.WrapError(domain.ErrInvalidInput, "index.insert",
			fmt.Errorf("vector dimension %d does not match index dimension %d", len(vector), cur.dim))
	}

	next := &snapshot{
		entries:    cur.entries,
		tombstones: cur.tombstones,
		dim:        len(vector),
	}
	if old, ok := x.byChunk[e.ChunkID]; ok {
		next.tombstones = withTombstones(cur.tombstones, old)
	}

	id := x.nextID
	x.nextID++
	next.entries = append(next.entries, entry{
		id:         id,
		chunkID:    e.ChunkID,
		documentID: e.DocumentID,
		vector:     vector,
	})
	x.byChunk[e.ChunkID] = id
	x.snap.Store(next)
	return id, nil
}

// Delete tombstones the vectors of the given chunks. Unknown ids are ignored.
func (x *Index) Delete(ctx context.Context, chunkIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	ids := make([]int64, 0, len(chunkIDs))
	for _, chunkID := range chunkIDs {
		if id, ok := x.byChunk[chunkID]; ok {
			ids = append(ids, id)
			delete(x.byChunk, chunkID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	cur := x.snap.Load()
	x.snap.Store(&snapshot{
		entries:    cur.entries,
		tombstones: withTombstones(cur.tombstones, ids...),
		dim:        cur.dim,
	})
	return nil
}

// Compact drops tombstoned entries. Readers holding the previous snapshot
// keep seeing it until they finish.
func (x *Index) Compact(ctx context.Context) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	cur := x.snap.Load()
	if len(cur.tombstones) == 0 {
		return nil
	}
	live := make([]entry, 0, len(cur.entries)-len(cur.tombstones))
	for i, e := range cur.entries {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, dead := cur.tombstones[e.id]; !dead {
			live = append(live, e)
		}
	}
	x.snap.Store(&snapshot{
		entries:    live,
		tombstones: map[int64]struct{}{},
		dim:        cur.dim,
	})
	return nil
}

func (x *Index) Stats() domain.IndexStats {
	cur := x.snap.Load()
	return domain.IndexStats{
		Entries:    len(cur.entries) - len(cur.tombstones),
		Tombstones: len(cur.tombstones),
		Dimension:  cur.dim,
	}
}

// Search returns up to k live entries ordered by descending score; equal
// scores are ordered by ascending vector id.
func (x *Index) Search(ctx context.Context, query []float32, k int, filter domain.IndexFilter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	cur := x.snap.Load()
	if len(cur.entries) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	if len(query) != cur.dim {
		return nil, domain.WrapError(domain.ErrInvalidInput, "index.search",
			fmt.Errorf("query dimension %d does not match index dimension %d", len(query), cur.dim))
	}
	q, err := x.prepare(query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "index.search", err)
	}

	var allowed map[string]struct{}
	if len(filter.DocumentIDs) > 0 {
		allowed = make(map[string]struct{}, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			allowed[id] = struct{}{}
		}
	}

	top := make(hitHeap, 0, k)
	for i := range cur.entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		e := &cur.entries[i]
		if _, dead := cur.tombstones[e.id]; dead {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[e.documentID]; !ok {
				continue
			}
		}
		h := hit{score: x.score(q, e.vector), entry: e}
		if len(top) < k {
			heap.Push(&top, h)
			continue
		}
		if better(h, top[0]) {
			top[0] = h
			heap.Fix(&top, 0)
		}
	}

	out := make([]domain.ScoredChunk, len(top))
	for i := len(top) - 1; i >= 0; i-- {
		h := heap.Pop(&top).(hit)
		out[i] = domain.ScoredChunk{
			ChunkID:    h.entry.chunkID,
			DocumentID: h.entry.documentID,
			Score:      h.score,
		}
	}
	return out, nil
}

func (x *Index) prepare(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	out := make([]float32, len(v))
	copy(out, v)
	if x.metric != MetricCosine {
		return out, nil
	}
	var norm float64
	for _, f := range out {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return nil, fmt.Errorf("zero vector has no direction")
	}
	inv := 1 / math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) * inv)
	}
	return out, nil
}

func (x *Index) score(q, v []float32) float64 {
	if x.metric == MetricCosine {
		var dot float64
		for i := range q {
			dot += float64(q[i]) * float64(v[i])
		}
		return dot
	}
	var sum float64
	for i := range q {
		d := float64(q[i]) - float64(v[i])
		sum += d * d
	}
	return 1 / (1 + math.Sqrt(sum))
}

func withTombstones(base map[int64]struct{}, ids ...int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(base)+len(ids))
	for id := range base {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

type hit struct {
	score float64
	entry *entry
}

func better(a, b hit) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.entry.id < b.entry.id
}

// hitHeap keeps the worst retained hit at the root.
type hitHeap []hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(v any)        { *h = append(*h, v.(hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
