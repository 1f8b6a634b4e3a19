// Package search maintains a rebuildable relevance index over tool metadata.
//
// The index is derived state: it can be discarded and rebuilt from registry
// metadata at any time. Queries run against an immutable snapshot that
// writers replace atomically, so a concurrent rebuild never leaks a mix of
// old and new documents into one query.
package search

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/pkg/namespace"
)

// BM25 parameters. k1 controls term-frequency saturation, b the strength of
// document-length normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	minTokenLen = 3
)

var wordRe = regexp.MustCompile(`[a-zA-Z_]+`)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "will": true,
	"can": true, "has": true, "have": true, "not": true, "you": true,
	"your": true, "all": true, "any": true, "get": true, "set": true,
	"use": true, "used": true, "using": true,
}

// Config bounds query parameters. Zero values fall back to the usual
// defaults via Normalize.
type Config struct {
	MinResults       int
	MaxResults       int
	DefaultResults   int
	MaxPatternLength int
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	if c.MinResults <= 0 {
		c.MinResults = 1
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.DefaultResults <= 0 {
		c.DefaultResults = 5
	}
	if c.MaxPatternLength <= 0 {
		c.MaxPatternLength = 200
	}
	return c
}

// Result is one scored search hit.
type Result struct {
	NamespacedName string  `json:"namespaced_name"`
	Score          float64 `json:"score,omitempty"`
}

// document is one indexed tool. text is the lowercase concatenation of the
// tool name, description, argument names, and argument descriptions.
type document struct {
	namespacedName string
	text           string
	terms          map[string]int
	length         int
}

// snapshot is an immutable index state shared by readers.
type snapshot struct {
	docs     map[string]*document
	df       map[string]int // term → number of documents containing it
	totalLen int
}

func emptySnapshot() *snapshot {
	return &snapshot{docs: map[string]*document{}, df: map[string]int{}}
}

// clone deep-copies the snapshot for mutation.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		docs:     make(map[string]*document, len(s.docs)),
		df:       make(map[string]int, len(s.df)),
		totalLen: s.totalLen,
	}
	for k, v := range s.docs {
		next.docs[k] = v // documents themselves are immutable
	}
	for k, v := range s.df {
		next.df[k] = v
	}
	return next
}

func (s *snapshot) insert(doc *document) {
	if prev, ok := s.docs[doc.namespacedName]; ok {
		s.evict(prev)
	}
	s.docs[doc.namespacedName] = doc
	s.totalLen += doc.length
	for term := range doc.terms {
		s.df[term]++
	}
}

func (s *snapshot) evict(doc *document) {
	delete(s.docs, doc.namespacedName)
	s.totalLen -= doc.length
	for term := range doc.terms {
		if s.df[term] <= 1 {
			delete(s.df, term)
		} else {
			s.df[term]--
		}
	}
}

// Index is the searchable catalog of tool documents.
type Index struct {
	cfg    Config
	logger *zap.Logger

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

// NewIndex creates an empty index.
func NewIndex(cfg Config, logger *zap.Logger) *Index {
	idx := &Index{cfg: cfg.Normalize(), logger: logger}
	idx.snap.Store(emptySnapshot())
	return idx
}

func tokenize(text string) []string {
	var tokens []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) < minTokenLen || stopWords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

func buildDocument(meta registry.ToolMetadata) *document {
	parts := []string{meta.Name, meta.Description}
	for _, a := range meta.Arguments {
		parts = append(parts, a.Name, a.Description)
	}
	text := strings.ToLower(strings.Join(parts, " "))

	terms := make(map[string]int)
	tokens := tokenize(text)
	for _, t := range tokens {
		terms[t]++
	}
	return &document{
		namespacedName: meta.NamespacedName,
		text:           text,
		terms:          terms,
		length:         len(tokens),
	}
}

// Upsert adds or replaces the document for one tool.
func (idx *Index) Upsert(meta registry.ToolMetadata) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	next := idx.snap.Load().clone()
	next.insert(buildDocument(meta))
	idx.snap.Store(next)
}

// Rebuild replaces the whole index from a metadata list. Entries without a
// namespaced name are skipped with a warning rather than aborting the
// rebuild.
func (idx *Index) Rebuild(metas []registry.ToolMetadata) {
	next := emptySnapshot()
	skipped := 0
	for _, meta := range metas {
		if meta.NamespacedName == "" || meta.Name == "" {
			skipped++
			idx.logger.Warn("skipping malformed metadata entry during rebuild",
				zap.String("namespaced_name", meta.NamespacedName),
			)
			continue
		}
		next.insert(buildDocument(meta))
	}

	idx.writeMu.Lock()
	idx.snap.Store(next)
	idx.writeMu.Unlock()

	idx.logger.Info("index rebuilt",
		zap.Int("documents", len(next.docs)),
		zap.Int("skipped", skipped),
	)
}

// RemoveServer drops every document belonging to one server.
func (idx *Index) RemoveServer(serverName string) {
	prefix := namespace.ServerPrefix(serverName)

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	next := idx.snap.Load().clone()
	for name, doc := range next.docs {
		if strings.HasPrefix(name, prefix) {
			next.evict(doc)
		}
	}
	idx.snap.Store(next)
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	return len(idx.snap.Load().docs)
}

// DefaultResults returns the result count used when a request leaves
// maxResults unset.
func (idx *Index) DefaultResults() int {
	return idx.cfg.DefaultResults
}

// ClampResults forces n into the configured [min, max] range: anything below
// the floor is raised to the floor (including 0), anything above the ceiling
// is lowered to the ceiling.
func (idx *Index) ClampResults(n int) int {
	if n < idx.cfg.MinResults {
		return idx.cfg.MinResults
	}
	if n > idx.cfg.MaxResults {
		return idx.cfg.MaxResults
	}
	return n
}

// SearchRelevant ranks documents against a free-text query with BM25 and
// returns the top maxResults, ties broken by ascending namespaced name.
func (idx *Index) SearchRelevant(query string, maxResults int) []Result {
	maxResults = idx.ClampResults(maxResults)
	snap := idx.snap.Load()
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(snap.docs) == 0 {
		return nil
	}

	n := float64(len(snap.docs))
	avgLen := float64(snap.totalLen) / n

	var results []Result
	for _, doc := range snap.docs {
		score := 0.0
		for _, term := range queryTerms {
			tf := float64(doc.terms[term])
			if tf == 0 {
				continue
			}
			df := float64(snap.df[term])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			norm := 1 - bm25B + bm25B*float64(doc.length)/avgLen
			score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*norm)
		}
		if score > 0 {
			results = append(results, Result{NamespacedName: doc.namespacedName, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].NamespacedName < results[j].NamespacedName
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// SearchPattern returns documents whose text matches the case-insensitive
// regular expression, ordered by ascending namespaced name and truncated to
// maxResults. The length cap is checked before any compilation attempt.
func (idx *Index) SearchPattern(pattern string, maxResults int) ([]Result, error) {
	if len(pattern) > idx.cfg.MaxPatternLength {
		return nil, gwerr.New(gwerr.CodePatternTooLong,
			"pattern length %d exceeds cap %d", len(pattern), idx.cfg.MaxPatternLength)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CodeInvalidPattern, err, "pattern does not compile")
	}
	maxResults = idx.ClampResults(maxResults)

	snap := idx.snap.Load()
	var results []Result
	for _, doc := range snap.docs {
		if re.MatchString(doc.text) || re.MatchString(doc.namespacedName) {
			results = append(results, Result{NamespacedName: doc.namespacedName})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].NamespacedName < results[j].NamespacedName
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}
