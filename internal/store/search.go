package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/lectern/internal/apperr"
)

const searchColumns = `
	c.id AS chunk_id,
	c.document_id,
	c.chunk_index,
	c.content,
	d.title,
	COALESCE(d.source, '') AS source,
	c.metadata`

// VectorSearch returns the k chunks nearest to queryVec by cosine
// similarity, restricted to the given embedding provider. The vector width
// is checked against the provider's declared dimension before any SQL runs.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, providerTag string, k int, filters *Filters) (results []SearchResult, err error) {
	defer func(start time.Time) { s.observe("vector_search", start, err) }(time.Now())

	if err = s.checkDimension(providerTag, queryVec); err != nil {
		return nil, err
	}
	return s.vectorQuery(ctx, queryVec, providerTag, clampK(k), filters)
}

func (s *Store) vectorQuery(ctx context.Context, queryVec []float32, providerTag string, limit int, filters *Filters) (results []SearchResult, err error) {
	query, args := buildVectorQuery(queryVec, providerTag, limit, filters)
	err = s.withReadTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &results, query, args...)
	})
	if err != nil {
		return nil, storeErr(err, "vector search")
	}
	for i := range results {
		results[i].VectorSimilarity = results[i].Score
	}
	return results, nil
}

// TextSearch ranks chunks with ts_rank_cd over an english tsvector. A query
// that reduces to no searchable tokens returns empty without touching the
// database.
func (s *Store) TextSearch(ctx context.Context, queryText, providerTag string, k int) (results []SearchResult, err error) {
	defer func(start time.Time) { s.observe("text_search", start, err) }(time.Now())
	return s.textQuery(ctx, queryText, providerTag, clampK(k))
}

func (s *Store) textQuery(ctx context.Context, queryText, providerTag string, limit int) (results []SearchResult, err error) {
	tsquery := buildTsQuery(queryText)
	if tsquery == "" {
		return []SearchResult{}, nil
	}

	query := `
		SELECT` + searchColumns + `,
			ts_rank_cd(to_tsvector('english', c.content), query, 32) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		CROSS JOIN to_tsquery('english', $1) query
		WHERE c.embedding_provider = $2
			AND to_tsvector('english', c.content) @@ query
		ORDER BY similarity DESC, c.id ASC
		LIMIT $3`

	err = s.withReadTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &results, query, tsquery, providerTag, limit)
	})
	if err != nil {
		return nil, storeErr(err, "text search")
	}
	for i := range results {
		results[i].TextSimilarity = results[i].Score
	}
	return results, nil
}

// HybridSearch fuses vector and text candidates with weighted Reciprocal
// Rank Fusion. Each method contributes a candidate set of 2k; a chunk absent
// from one ranking contributes nothing from that method. When the text side
// matches nothing the vector ranking carries the result alone.
func (s *Store) HybridSearch(ctx context.Context, queryVec []float32, queryText, providerTag string, k int, opts HybridOptions) (results []SearchResult, err error) {
	defer func(start time.Time) { s.observe("hybrid_search", start, err) }(time.Now())

	if err = s.checkDimension(providerTag, queryVec); err != nil {
		return nil, err
	}
	k = clampK(k)
	opts = opts.withDefaults()
	fetch := 2 * k

	type answer struct {
		results []SearchResult
		err     error
	}
	vecCh := make(chan answer, 1)
	textCh := make(chan answer, 1)

	go func() {
		r, e := s.vectorQuery(ctx, queryVec, providerTag, fetch, nil)
		vecCh <- answer{results: r, err: e}
	}()
	go func() {
		r, e := s.textQuery(ctx, queryText, providerTag, fetch)
		textCh <- answer{results: r, err: e}
	}()

	vec := <-vecCh
	text := <-textCh
	if vec.err != nil {
		return nil, vec.err
	}
	if text.err != nil {
		return nil, text.err
	}

	fused := fuseRRF(vec.results, text.results, opts.VectorWeight, opts.TextWeight, opts.RRFK)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// fuseRRF merges two rankings with weighted Reciprocal Rank Fusion:
// score = wVec/(rrfK+rank_vec) + wText/(rrfK+rank_text), ranks 1-based.
// Ties break on chunk id ascending so fusion is deterministic.
func fuseRRF(vecResults, textResults []SearchResult, wVec, wText float64, rrfK int) []SearchResult {
	merged := make(map[int64]*SearchResult, len(vecResults)+len(textResults))

	for i := range vecResults {
		r := vecResults[i]
		r.VectorSimilarity = vecResults[i].Score
		r.Score = wVec / float64(rrfK+i+1)
		merged[r.ChunkID] = &r
	}
	for i := range textResults {
		contribution := wText / float64(rrfK+i+1)
		if existing, ok := merged[textResults[i].ChunkID]; ok {
			existing.TextSimilarity = textResults[i].Score
			existing.Score += contribution
			continue
		}
		r := textResults[i]
		r.TextSimilarity = textResults[i].Score
		r.VectorSimilarity = 0
		r.Score = contribution
		merged[r.ChunkID] = &r
	}

	out := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

func (s *Store) checkDimension(providerTag string, vec []float32) error {
	want, ok := s.dims[providerTag]
	if !ok {
		return apperr.New(apperr.Validation, "unknown embedding provider %q", providerTag)
	}
	if len(vec) != want {
		return apperr.New(apperr.DimensionMismatch,
			"query vector has dimension %d, provider %q stores %d", len(vec), providerTag, want)
	}
	return nil
}

func buildVectorQuery(queryVec []float32, providerTag string, limit int, filters *Filters) (string, []interface{}) {
	query := `
		SELECT` + searchColumns + `,
			1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding_provider = $2`

	args := []interface{}{vectorLiteral(queryVec), providerTag}
	if filters != nil {
		if filters.DocumentID != nil {
			args = append(args, *filters.DocumentID)
			query += fmt.Sprintf(" AND c.document_id = $%d", len(args))
		}
		if filters.Source != "" {
			args = append(args, filters.Source)
			query += fmt.Sprintf(" AND d.source = $%d", len(args))
		}
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY similarity DESC, c.id ASC LIMIT $%d", len(args))
	return query, args
}

// vectorLiteral renders a pgvector input literal: [x1,x2,...].
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// stopWords are dropped before building a tsquery. The list extends the
// usual article/preposition set with question words, which carry no signal
// for full-text ranking in a QA service.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "was": true, "are": true, "were": true, "be": true,
	"how": true, "what": true, "why": true, "when": true, "who": true,
	"where": true, "does": true, "did": true, "do": true,
}

// buildTsQuery tokenizes free text into an AND tsquery. Tokens keep only
// letters and digits so user input cannot inject tsquery operators.
func buildTsQuery(text string) string {
	words := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		var b strings.Builder
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		token := b.String()
		if len(token) > 2 && !stopWords[token] {
			tokens = append(tokens, token)
		}
	}
	return strings.Join(tokens, " & ")
}
