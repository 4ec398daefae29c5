// Package features holds the learned per-token weights and corpus statistics.
package features

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Weight bounds. Every write path clamps into [MinWeight, MaxWeight].
const (
	MinWeight     = 0.0
	MaxWeight     = 10.0
	DefaultWeight = 5.0
)

const (
	// DefaultMaxFeatures is the distinct-token count above which eviction runs.
	DefaultMaxFeatures = 5000
	// minDocsForTFIDF is the corpus size below which TF-IDF stays zero.
	minDocsForTFIDF = 10

	evictMaxCount  = 3
	evictWeightEps = 0.1
)

// Record is the learned state of a single token.
type Record struct {
	Weight     float64   `json:"weight"`
	Count      int       `json:"count"`
	LastUpdate time.Time `json:"last_update"`
	TFIDF      float64   `json:"tfidf"`
	DocFreq    int       `json:"doc_freq"`
}

// NewRecord returns a record at the default weight.
func NewRecord() Record {
	return Record{Weight: DefaultWeight}
}

// Snapshot is a consistent copy of the store for persistence.
type Snapshot struct {
	TotalLearnEvents int64
	TotalDocuments   int64
	SavedAt          time.Time
	Records          map[string]Record
	// DocFreq may contain tokens without a Record.
	DocFreq map[string]int
}

// Stats summarizes the store.
type Stats struct {
	Features         int     `json:"features"`
	TrackedDocFreq   int     `json:"tracked_doc_freq"`
	TotalLearnEvents int64   `json:"total_learn_events"`
	TotalDocuments   int64   `json:"total_documents"`
	MeanWeight       float64 `json:"mean_weight"`
	Evictions        int64   `json:"evictions"`
	Dirty            bool    `json:"dirty"`
}

// Store is a concurrency-safe token → Record map plus corpus counters.
//
// Document frequency lives in its own map so IDF survives for tokens that
// were seen in documents but never learned.
type Store struct {
	mu          sync.RWMutex
	records     map[string]Record
	docFreq     map[string]int
	learnEvents int64
	documents   int64

	maxFeatures int
	dirty       atomic.Bool
	evicting    atomic.Bool
	evictWG     sync.WaitGroup
	evicted     atomic.Int64
}

// NewStore creates an empty store. maxFeatures <= 0 selects DefaultMaxFeatures.
func NewStore(maxFeatures int) *Store {
	if maxFeatures <= 0 {
		maxFeatures = DefaultMaxFeatures
	}
	return &Store{
		records:     make(map[string]Record),
		docFreq:     make(map[string]int),
		maxFeatures: maxFeatures,
	}
}

// Get returns a copy of the record for token.
func (s *Store) Get(token string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[token]
	if ok {
		r.DocFreq = s.docFreq[token]
	}
	return r, ok
}

// Weight returns the token weight, or DefaultWeight when unknown.
func (s *Store) Weight(token string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[token]; ok {
		return r.Weight
	}
	return DefaultWeight
}

// Put stores a record, clamping its weight.
func (s *Store) Put(token string, r Record) {
	r.Weight = ClampWeight(r.Weight)
	s.mu.Lock()
	s.records[token] = r
	s.mu.Unlock()
	s.dirty.Store(true)
}

// Update applies fn to the record for token under the write lock.
// exists tells fn whether the record was already present.
func (s *Store) Update(token string, fn func(r Record, exists bool) Record) Record {
	s.mu.Lock()
	r, ok := s.records[token]
	if !ok {
		r = NewRecord()
	}
	r = fn(r, ok)
	r.Weight = ClampWeight(r.Weight)
	if r.Count < 0 {
		r.Count = 0
	}
	r.DocFreq = s.docFreq[token]
	s.records[token] = r
	s.mu.Unlock()
	s.dirty.Store(true)
	return r
}

// Delete removes the record for token. Its document frequency is kept.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	delete(s.records, token)
	s.mu.Unlock()
	s.dirty.Store(true)
}

// Increment bumps the seen count of token without changing its weight.
func (s *Store) Increment(token string, now time.Time) Record {
	return s.Update(token, func(r Record, _ bool) Record {
		r.Count++
		r.LastUpdate = now
		return r
	})
}

// AddDocument records one document containing tokens.
// Each distinct token's document frequency rises by one regardless of repeats.
func (s *Store) AddDocument(tokens []string) {
	seen := make(map[string]struct{}, len(tokens))
	s.mu.Lock()
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		s.docFreq[t]++
	}
	s.documents++
	s.mu.Unlock()
	s.dirty.Store(true)
}

// IncLearnEvents increments the learn-event counter and returns the new value.
func (s *Store) IncLearnEvents() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learnEvents++
	return s.learnEvents
}

// LearnEvents returns the number of learning calls applied so far.
func (s *Store) LearnEvents() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.learnEvents
}

// Documents returns the number of documents seen.
func (s *Store) Documents() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documents
}

// DocFreq returns the document frequency of token.
func (s *Store) DocFreq(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docFreq[token]
}

// Len returns the number of distinct learned tokens.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Range calls fn for every record until fn returns false.
// fn runs without the lock held, over a copy taken at call time.
func (s *Store) Range(fn func(token string, r Record) bool) {
	s.mu.RLock()
	cp := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		v.DocFreq = s.docFreq[k]
		cp[k] = v
	}
	s.mu.RUnlock()

	for k, v := range cp {
		if !fn(k, v) {
			return
		}
	}
}

// RecomputeTFIDF refreshes the cached TF-IDF of the given tokens,
// or of every token when none are given. It is a no-op while fewer than
// ten documents have been seen.
func (s *Store) RecomputeTFIDF(tokens ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.documents < minDocsForTFIDF {
		return 0
	}

	n := 0
	update := func(token string) {
		r, ok := s.records[token]
		if !ok {
			return
		}
		r.TFIDF = tfidf(r.Count, s.docFreq[token], s.documents)
		s.records[token] = r
		n++
	}

	if len(tokens) == 0 {
		for token := range s.records {
			update(token)
		}
	} else {
		for _, token := range tokens {
			update(token)
		}
	}
	if n > 0 {
		s.dirty.Store(true)
	}
	return n
}

// tfidf = min(1, ln(count+1) * ln(docs/df) / 5).
func tfidf(count, df int, docs int64) float64 {
	if df <= 0 || docs <= 0 {
		return 0
	}
	tf := math.Log(float64(count) + 1)
	idf := math.Log(float64(docs) / float64(df))
	v := tf * idf / 5
	if v < 0 {
		return 0
	}
	return math.Min(1, v)
}

// NeedsEviction reports whether the store is over its size limit.
func (s *Store) NeedsEviction() bool {
	return s.Len() > s.maxFeatures
}

// EvictAsync starts an eviction pass in the background if the store is over
// its limit and no pass is already running. It returns true when a pass started.
func (s *Store) EvictAsync() bool {
	if !s.NeedsEviction() {
		return false
	}
	if !s.evicting.CompareAndSwap(false, true) {
		return false
	}
	s.evictWG.Add(1)
	go func() {
		defer s.evictWG.Done()
		defer s.evicting.Store(false)
		s.Evict()
	}()
	return true
}

// WaitEviction blocks until any background eviction finishes.
func (s *Store) WaitEviction() {
	s.evictWG.Wait()
}

// Evict removes low-signal tokens: seen fewer than three times and within
// 0.1 of the default weight. The token's document frequency is removed too,
// so every per-token map stays consistent. Returns the number removed.
func (s *Store) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, r := range s.records {
		if r.Count < evictMaxCount && math.Abs(r.Weight-DefaultWeight) < evictWeightEps {
			delete(s.records, token)
			delete(s.docFreq, token)
			removed++
		}
	}
	if removed > 0 {
		s.evicted.Add(int64(removed))
		s.dirty.Store(true)
	}
	return removed
}

// MarkDirty flags the store as changed since the last save.
func (s *Store) MarkDirty() { s.dirty.Store(true) }

// Dirty reports whether the store changed since the last save.
func (s *Store) Dirty() bool { return s.dirty.Load() }

// ClearDirty resets the dirty flag after a successful save.
func (s *Store) ClearDirty() { s.dirty.Store(false) }

// Snapshot returns a deep copy of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		TotalLearnEvents: s.learnEvents,
		TotalDocuments:   s.documents,
		SavedAt:          time.Now(),
		Records:          make(map[string]Record, len(s.records)),
		DocFreq:          make(map[string]int, len(s.docFreq)),
	}
	for k, v := range s.records {
		v.DocFreq = s.docFreq[k]
		snap.Records[k] = v
	}
	for k, v := range s.docFreq {
		snap.DocFreq[k] = v
	}
	return snap
}

// Restore replaces the store contents with snap. Weights are clamped.
func (s *Store) Restore(snap Snapshot) {
	records := make(map[string]Record, len(snap.Records))
	for k, v := range snap.Records {
		v.Weight = ClampWeight(v.Weight)
		if v.Count < 0 {
			v.Count = 0
		}
		records[k] = v
	}
	docFreq := make(map[string]int, len(snap.DocFreq))
	for k, v := range snap.DocFreq {
		if v > 0 {
			docFreq[k] = v
		}
	}

	s.mu.Lock()
	s.records = records
	s.docFreq = docFreq
	s.learnEvents = snap.TotalLearnEvents
	s.documents = snap.TotalDocuments
	s.mu.Unlock()
	s.dirty.Store(false)
}

// Reset clears all learned state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]Record)
	s.docFreq = make(map[string]int)
	s.learnEvents = 0
	s.documents = 0
	s.mu.Unlock()
	s.dirty.Store(true)
}

// Stats returns a summary of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := 0.0
	for _, r := range s.records {
		sum += r.Weight
	}
	mean := DefaultWeight
	if len(s.records) > 0 {
		mean = sum / float64(len(s.records))
	}
	return Stats{
		Features:         len(s.records),
		TrackedDocFreq:   len(s.docFreq),
		TotalLearnEvents: s.learnEvents,
		TotalDocuments:   s.documents,
		MeanWeight:       mean,
		Evictions:        s.evicted.Load(),
		Dirty:            s.dirty.Load(),
	}
}

// ClampWeight bounds w to [MinWeight, MaxWeight]. NaN maps to the default.
func ClampWeight(w float64) float64 {
	switch {
	case math.IsNaN(w):
		return DefaultWeight
	case w < MinWeight:
		return MinWeight
	case w > MaxWeight:
		return MaxWeight
	}
	return w
}
