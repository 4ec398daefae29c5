// Package persist saves and restores the learned model as a JSON document.
package persist

import (
	"fmt"
	"math"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/notigate/internal/features"
)

const (
	// weightEpsilon: weights this close to the default are not written.
	weightEpsilon = 0.01
	// minTFIDF: cached TF-IDF below this is not written.
	minTFIDF = 0.01
)

// Document is the persisted model layout.
type Document struct {
	TotalLearnCount    int64              `json:"totalLearnCount"`
	TotalDocumentCount int64              `json:"totalDocumentCount"`
	SaveTime           int64              `json:"saveTime"`
	Weights            map[string]float64 `json:"weights"`
	Counts             map[string]int     `json:"counts"`
	TFIDF              map[string]float64 `json:"tfidf"`
	AccessTime         map[string]int64   `json:"accessTime"`
	TermDocCount       map[string]int     `json:"termDocCount"`
}

// Encode serializes a snapshot. Near-default weights and negligible
// TF-IDF values are omitted; counts and access times are always kept.
func Encode(snap features.Snapshot) ([]byte, error) {
	doc := Document{
		TotalLearnCount:    snap.TotalLearnEvents,
		TotalDocumentCount: snap.TotalDocuments,
		SaveTime:           snap.SavedAt.UnixMilli(),
		Weights:            make(map[string]float64),
		Counts:             make(map[string]int, len(snap.Records)),
		TFIDF:              make(map[string]float64),
		AccessTime:         make(map[string]int64, len(snap.Records)),
		TermDocCount:       make(map[string]int, len(snap.DocFreq)),
	}
	for token, r := range snap.Records {
		if math.Abs(r.Weight-features.DefaultWeight) >= weightEpsilon {
			doc.Weights[token] = r.Weight
		}
		if r.TFIDF >= minTFIDF {
			doc.TFIDF[token] = r.TFIDF
		}
		doc.Counts[token] = r.Count
		if !r.LastUpdate.IsZero() {
			doc.AccessTime[token] = r.LastUpdate.UnixMilli()
		}
	}
	for token, df := range snap.DocFreq {
		doc.TermDocCount[token] = df
	}
	return json.Marshal(doc)
}

// Decode parses a document section by section. A section that is missing or
// malformed is treated as empty and reported in skipped; only input that is
// not a JSON object at all returns an error.
func Decode(data []byte) (snap features.Snapshot, skipped []string, err error) {
	snap = features.Snapshot{
		Records: make(map[string]features.Record),
		DocFreq: make(map[string]int),
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return snap, nil, fmt.Errorf("decode model document: %w", err)
	}

	var doc Document
	doc.TotalLearnCount = section[int64](sections, "totalLearnCount", &skipped)
	doc.TotalDocumentCount = section[int64](sections, "totalDocumentCount", &skipped)
	doc.SaveTime = section[int64](sections, "saveTime", &skipped)
	doc.Weights = section[map[string]float64](sections, "weights", &skipped)
	doc.Counts = section[map[string]int](sections, "counts", &skipped)
	doc.TFIDF = section[map[string]float64](sections, "tfidf", &skipped)
	doc.AccessTime = section[map[string]int64](sections, "accessTime", &skipped)
	doc.TermDocCount = section[map[string]int](sections, "termDocCount", &skipped)
	sort.Strings(skipped)

	if doc.TotalLearnCount > 0 {
		snap.TotalLearnEvents = doc.TotalLearnCount
	}
	if doc.TotalDocumentCount > 0 {
		snap.TotalDocuments = doc.TotalDocumentCount
	}
	if doc.SaveTime > 0 {
		snap.SavedAt = time.UnixMilli(doc.SaveTime)
	}

	record := func(token string) features.Record {
		if r, ok := snap.Records[token]; ok {
			return r
		}
		return features.NewRecord()
	}
	for token, w := range doc.Weights {
		r := record(token)
		r.Weight = features.ClampWeight(w)
		snap.Records[token] = r
	}
	for token, c := range doc.Counts {
		r := record(token)
		r.Count = c
		snap.Records[token] = r
	}
	for token, v := range doc.TFIDF {
		r := record(token)
		r.TFIDF = math.Max(0, math.Min(1, v))
		snap.Records[token] = r
	}
	for token, ms := range doc.AccessTime {
		r := record(token)
		r.LastUpdate = time.UnixMilli(ms)
		snap.Records[token] = r
	}
	for token, df := range doc.TermDocCount {
		snap.DocFreq[token] = df
	}
	return snap, skipped, nil
}

// section decodes one top-level field; a malformed field yields the zero value.
func section[T any](sections map[string]json.RawMessage, name string, skipped *[]string) T {
	var v T
	raw, ok := sections[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		*skipped = append(*skipped, name)
		var zero T
		return zero
	}
	return v
}
