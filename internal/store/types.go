package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB maps a jsonb column to a Go map.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// SearchResult is one retrieved chunk. Score is the ranking score of the
// search that produced it: cosine similarity for vector search, normalized
// ts_rank_cd for text search, the fused RRF score for hybrid search. The raw
// per-method scores survive fusion in VectorSimilarity and TextSimilarity.
type SearchResult struct {
	ChunkID          int64     `db:"chunk_id" json:"chunk_id"`
	DocumentID       uuid.UUID `db:"document_id" json:"document_id"`
	ChunkIndex       int       `db:"chunk_index" json:"chunk_index"`
	Content          string    `db:"content" json:"content"`
	Title            string    `db:"title" json:"title,omitempty"`
	Source           string    `db:"source" json:"source,omitempty"`
	Metadata         JSONB     `db:"metadata" json:"metadata,omitempty"`
	Score            float64   `db:"similarity" json:"score"`
	VectorSimilarity float64   `db:"-" json:"vector_similarity,omitempty"`
	TextSimilarity   float64   `db:"-" json:"text_similarity,omitempty"`
}

// Document is a corpus document with its chunk count.
type Document struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Title      string    `db:"title" json:"title"`
	Source     string    `db:"source" json:"source,omitempty"`
	Author     string    `db:"author" json:"author,omitempty"`
	Metadata   JSONB     `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	ChunkCount int       `db:"chunk_count" json:"chunk_count"`
}

// Filters narrows a vector search to a document or a source. A nil Filters
// matches everything.
type Filters struct {
	DocumentID *uuid.UUID
	Source     string
}

// HybridOptions tunes hybrid fusion. Zero values fall back to the defaults:
// weights (0.7, 0.3) and an RRF constant of 60.
type HybridOptions struct {
	VectorWeight float64
	TextWeight   float64
	RRFK         int
}

func (o HybridOptions) withDefaults() HybridOptions {
	if o.VectorWeight == 0 && o.TextWeight == 0 {
		o.VectorWeight = 0.7
		o.TextWeight = 0.3
	}
	if o.RRFK <= 0 {
		o.RRFK = 60
	}
	return o
}
