package vectorstore

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// HNSWConfig tunes the approximate nearest-neighbor index.
type HNSWConfig struct {
	M              int     `json:"m"`               // max connections per layer
	EfConstruction int     `json:"ef_construction"` // build-time beam width
	EfSearch       int     `json:"ef_search"`       // query-time beam width
	MaxLevel       int     `json:"max_level"`
	Ml             float64 `json:"ml"` // level normalization factor
}

// DefaultHNSWConfig returns production defaults.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		MaxLevel:       16,
		Ml:             1.0 / math.Log(2.0),
	}
}

// AdaptiveHNSWConfig sizes the index parameters by data scale: small
// collections take small M, large collections take large M.
func AdaptiveHNSWConfig(dataSize int) HNSWConfig {
	config := DefaultHNSWConfig()
	switch {
	case dataSize < 10000:
		config.M = 12
		config.EfConstruction = 100
		config.EfSearch = 50
	case dataSize < 100000:
		config.M = 16
		config.EfConstruction = 200
		config.EfSearch = 100
	case dataSize < 1000000:
		config.M = 24
		config.EfConstruction = 300
		config.EfSearch = 150
	default:
		config.M = 32
		config.EfConstruction = 400
		config.EfSearch = 200
	}
	return config
}

// hnswCandidate is one approximate hit returned by the index.
type hnswCandidate struct {
	ID    string
	Score float64 // cosine similarity
}

// HNSWIndex is a Hierarchical Navigable Small World graph over cosine
// distance.
type HNSWIndex struct {
	config     HNSWConfig
	vectors    map[string][]float32
	graph      map[string]map[int][]string // id -> level -> neighbors
	entryPoint string
	maxLevel   int
	rng        *rand.Rand
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHNSWIndex creates an empty index.
func NewHNSWIndex(config HNSWConfig, logger *zap.Logger) *HNSWIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HNSWIndex{
		config:  config,
		vectors: make(map[string][]float32),
		graph:   make(map[string]map[int][]string),
		rng:     rand.New(rand.NewSource(rand.Int63())),
		logger:  logger.With(zap.String("component", "hnsw_index")),
	}
}

// Build constructs the index from scratch.
func (idx *HNSWIndex) Build(ids []string, vectors [][]float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.logger.Info("building HNSW index",
		zap.Int("vectors", len(vectors)),
		zap.Int("m", idx.config.M),
		zap.Int("ef_construction", idx.config.EfConstruction))

	for i, vec := range vectors {
		idx.addLocked(ids[i], vec)
	}

	idx.logger.Info("HNSW index built",
		zap.Int("size", len(idx.vectors)),
		zap.Int("max_level", idx.maxLevel))
	return nil
}

// Add inserts one vector. An existing id is replaced.
func (idx *HNSWIndex) Add(id string, vector []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.vectors[id]; exists {
		idx.deleteLocked(id)
	}
	idx.addLocked(id, vector)
}

// Delete removes a vector. Missing ids are ignored.
func (idx *HNSWIndex) Delete(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(id)
}

// Size returns the vector count.
func (idx *HNSWIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Search returns the approximate k nearest neighbors by cosine similarity.
func (idx *HNSWIndex) Search(query []float32, k int) []hnswCandidate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.vectors) == 0 {
		return nil
	}

	ep := idx.entryPoint
	for level := idx.maxLevel; level > 0; level-- {
		ep = idx.searchLayer(query, ep, 1, level)[0]
	}
	ef := idx.config.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer(query, ep, ef, 0)

	results := make([]hnswCandidate, 0, k)
	for i := 0; i < len(candidates) && i < k; i++ {
		id := candidates[i]
		results = append(results, hnswCandidate{
			ID:    id,
			Score: 1.0 - idx.distance(query, idx.vectors[id]),
		})
	}
	return results
}

func (idx *HNSWIndex) addLocked(id string, vector []float32) {
	idx.vectors[id] = vector

	level := idx.randomLevel()
	if level > idx.maxLevel {
		idx.maxLevel = level
	}
	idx.graph[id] = make(map[int][]string)
	for l := 0; l <= level; l++ {
		idx.graph[id][l] = []string{}
	}

	if idx.entryPoint == "" {
		idx.entryPoint = id
		return
	}
	idx.insert(id, vector, level)
}

func (idx *HNSWIndex) deleteLocked(id string) {
	if _, exists := idx.vectors[id]; !exists {
		return
	}
	delete(idx.vectors, id)
	delete(idx.graph, id)

	for _, neighbors := range idx.graph {
		for level, levelNeighbors := range neighbors {
			filtered := levelNeighbors[:0]
			for _, nid := range levelNeighbors {
				if nid != id {
					filtered = append(filtered, nid)
				}
			}
			neighbors[level] = filtered
		}
	}

	if idx.entryPoint == id {
		idx.entryPoint = ""
		for newID := range idx.vectors {
			idx.entryPoint = newID
			break
		}
	}
}

func (idx *HNSWIndex) insert(id string, vector []float32, level int) {
	ep := idx.entryPoint
	for lc := idx.maxLevel; lc > level; lc-- {
		ep = idx.searchLayer(vector, ep, 1, lc)[0]
	}

	for lc := level; lc >= 0; lc-- {
		if lc > idx.maxLevel {
			continue
		}
		candidates := idx.searchLayer(vector, ep, idx.config.EfConstruction, lc)

		m := idx.config.M
		if lc == 0 {
			m = idx.config.M * 2
		}
		neighbors := idx.selectNeighbors(id, candidates, m)

		idx.graph[id][lc] = neighbors
		for _, nid := range neighbors {
			idx.graph[nid][lc] = append(idx.graph[nid][lc], id)
			if len(idx.graph[nid][lc]) > m {
				idx.graph[nid][lc] = idx.selectNeighbors(nid, idx.graph[nid][lc], m)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}
}

// searchLayer runs a beam search within one layer.
func (idx *HNSWIndex) searchLayer(query []float32, ep string, ef int, level int) []string {
	visited := map[string]bool{ep: true}
	candidates := &minHeap{}
	w := &maxHeap{}

	dist := idx.distance(query, idx.vectors[ep])
	heap.Push(candidates, &heapItem{id: ep, dist: dist})
	heap.Push(w, &heapItem{id: ep, dist: dist})

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(*heapItem)
		if c.dist > (*w)[0].dist {
			break
		}
		for _, nid := range idx.graph[c.id][level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true

			dist := idx.distance(query, idx.vectors[nid])
			if dist < (*w)[0].dist || w.Len() < ef {
				heap.Push(candidates, &heapItem{id: nid, dist: dist})
				heap.Push(w, &heapItem{id: nid, dist: dist})
				if w.Len() > ef {
					heap.Pop(w)
				}
			}
		}
	}

	result := make([]string, w.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(w).(*heapItem).id
	}
	return result
}

// selectNeighbors keeps the m closest candidates.
func (idx *HNSWIndex) selectNeighbors(id string, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type candidate struct {
		id   string
		dist float64
	}
	cands := make([]candidate, len(candidates))
	for i, cid := range candidates {
		cands[i] = candidate{id: cid, dist: idx.distance(idx.vectors[id], idx.vectors[cid])}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	result := make([]string, m)
	for i := 0; i < m; i++ {
		result[i] = cands[i].id
	}
	return result
}

func (idx *HNSWIndex) randomLevel() int {
	level := 0
	for idx.rng.Float64() < 0.5 && level < idx.config.MaxLevel {
		level++
	}
	return level
}

// distance is cosine distance (1 - similarity).
func (idx *HNSWIndex) distance(a, b []float32) float64 {
	sim := CosineSimilarity(a, b)
	return 1.0 - sim
}

type heapItem struct {
	id   string
	dist float64
}

type minHeap []*heapItem

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

type maxHeap []*heapItem

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
