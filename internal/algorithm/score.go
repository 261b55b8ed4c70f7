package algorithm

import (
	"container/heap"
	"time"

	"github.com/cachemesh/cachemesh/internal/model"
)

// EvictionCandidate scores one cache entry for eviction under memory
// pressure. The score blends remaining TTL, entry size and usage frequency;
// lower scores are evicted first.
type EvictionCandidate struct {
	Key   string
	Score float64
	index int
}

// ScoreEntry computes the eviction score for an entry. Entries close to
// expiry, large, or rarely used score low. The entry's eviction policy
// shifts the blend: ttl weighs remaining lifetime, lfu weighs access
// frequency, lru weighs recency, random scores by key hash. The policy
// priority raises the score so pinned entries survive pressure longer.
func ScoreEntry(e *model.Entry, remaining time.Duration, now time.Time) float64 {
	ttlScore := remaining.Seconds()
	if ttlScore < 0 {
		ttlScore = 0
	}

	sizePenalty := float64(e.SizeBytes) / 1024.0

	idle := now.Sub(e.LastAccessedAt).Seconds()
	if idle < 1 {
		idle = 1
	}
	frequency := float64(e.HitCount) / idle

	var score float64
	switch e.EvictionPolicy {
	case model.EvictionTTL:
		score = ttlScore*4 + frequency*15 - sizePenalty
	case model.EvictionLFU:
		score = ttlScore + frequency*240 - sizePenalty
	case model.EvictionLRU:
		score = ttlScore + (3600/idle)*4 - sizePenalty
	case model.EvictionRandom:
		score = float64(HashKey(e.Key) % 1000)
	default:
		score = ttlScore + frequency*60 - sizePenalty
	}

	return score + float64(e.EvictionPriority)*300
}

// EvictionHeap is a bounded min-heap over eviction candidates. Pushing past
// capacity drops the highest-scoring (most valuable) entry so the heap
// always holds the n best eviction victims without a full key scan.
type EvictionHeap struct {
	items    candidateHeap
	capacity int
}

// NewEvictionHeap creates a heap holding at most capacity candidates
func NewEvictionHeap(capacity int) *EvictionHeap {
	if capacity <= 0 {
		capacity = 64
	}
	h := &EvictionHeap{capacity: capacity}
	heap.Init(&h.items)
	return h
}

// Offer considers a candidate for eviction
func (h *EvictionHeap) Offer(key string, score float64) {
	if h.items.Len() < h.capacity {
		heap.Push(&h.items, &EvictionCandidate{Key: key, Score: score})
		return
	}
	// Heap is full of lower (worse for retention) scores; only accept the
	// candidate if it scores below the current maximum.
	maxIdx := h.items.maxIndex()
	if score < h.items[maxIdx].Score {
		heap.Remove(&h.items, maxIdx)
		heap.Push(&h.items, &EvictionCandidate{Key: key, Score: score})
	}
}

// PopVictims removes and returns up to n keys in eviction order
func (h *EvictionHeap) PopVictims(n int) []string {
	victims := make([]string, 0, n)
	for len(victims) < n && h.items.Len() > 0 {
		c := heap.Pop(&h.items).(*EvictionCandidate)
		victims = append(victims, c.Key)
	}
	return victims
}

// Len returns the number of held candidates
func (h *EvictionHeap) Len() int {
	return h.items.Len()
}

type candidateHeap []*EvictionCandidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h candidateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *candidateHeap) Push(x any) {
	c := x.(*EvictionCandidate)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// maxIndex returns the index of the highest-scoring candidate. Max elements
// of a min-heap live in the leaves, so only the second half is scanned.
func (h candidateHeap) maxIndex() int {
	maxIdx := len(h) / 2
	for i := maxIdx + 1; i < len(h); i++ {
		if h[i].Score > h[maxIdx].Score {
			maxIdx = i
		}
	}
	return maxIdx
}
