package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// GetDocument fetches one document with its chunk count.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (doc Document, err error) {
	defer func(start time.Time) { s.observe("get_document", start, err) }(time.Now())

	query := `
		SELECT d.id, d.title,
			COALESCE(d.source, '') AS source,
			COALESCE(d.author, '') AS author,
			d.metadata, d.created_at,
			COUNT(c.id) AS chunk_count
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.id
		WHERE d.id = $1
		GROUP BY d.id`

	err = s.withReadTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &doc, query, id)
	})
	if err != nil {
		return Document{}, storeErr(err, "document "+id.String())
	}
	return doc, nil
}

// ListDocuments pages through the corpus, newest first. limit is clamped to
// [1, 100]; a negative offset reads from the start.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) (docs []Document, err error) {
	defer func(start time.Time) { s.observe("list_documents", start, err) }(time.Now())

	limit = clampK(limit)
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT d.id, d.title,
			COALESCE(d.source, '') AS source,
			COALESCE(d.author, '') AS author,
			d.metadata, d.created_at,
			COUNT(c.id) AS chunk_count
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.id
		GROUP BY d.id
		ORDER BY d.created_at DESC, d.id ASC
		LIMIT $1 OFFSET $2`

	err = s.withReadTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &docs, query, limit, offset)
	})
	if err != nil {
		return nil, storeErr(err, "list documents")
	}
	return docs, nil
}
