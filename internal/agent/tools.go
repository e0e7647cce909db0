package agent

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/graph"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/store"
)

// Retriever is the slice of the retrieval pipeline the search tools use.
type Retriever interface {
	Retrieve(ctx context.Context, query string, mode retrieval.Mode, k int) ([]store.SearchResult, retrieval.Debug, error)
}

// DocumentReader is the slice of the corpus store the document tools use.
type DocumentReader interface {
	GetDocument(ctx context.Context, id uuid.UUID) (store.Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]store.Document, error)
}

// GraphReader is the slice of the graph client the entity tools use.
type GraphReader interface {
	Search(ctx context.Context, query string, limit int) ([]graph.SearchHit, error)
	EntityRelationships(ctx context.Context, entity string, limit int) ([]graph.Relationship, error)
	EntityTimeline(ctx context.Context, entity string, limit int) ([]graph.TimelineEvent, error)
}

// SearchOutput is what search tools hand back to the model. The
// orchestrator also harvests citations from it.
type SearchOutput struct {
	Results []SearchHit `json:"results"`
}

// SearchHit is one passage, flattened for the model.
type SearchHit struct {
	Content       string  `json:"content"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title,omitempty"`
	ChunkID       int64   `json:"chunk_id"`
	Score         float64 `json:"score"`
}

type searchModeKey struct{}

// WithSearchMode pins the retrieval mode every search tool uses for the
// rest of the turn. Auto leaves each tool its natural mode.
func WithSearchMode(ctx context.Context, mode retrieval.Mode) context.Context {
	if mode == retrieval.ModeAuto {
		return ctx
	}
	return context.WithValue(ctx, searchModeKey{}, mode)
}

func pinnedMode(ctx context.Context, natural retrieval.Mode) retrieval.Mode {
	if m, ok := ctx.Value(searchModeKey{}).(retrieval.Mode); ok {
		return m
	}
	return natural
}

// RegisterCoreTools wires the retrieval and document tools every
// deployment has.
func RegisterCoreTools(reg *Registry, retriever Retriever, docs DocumentReader) error {
	tools := []Tool{
		{
			Name:        "vector_search",
			Description: "Search the corpus by semantic similarity. Best for paraphrased or conceptual queries.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Natural-language search query"},
					"k": {"type": "integer", "description": "Number of passages to return (1-20, default 5)"}
				},
				"required": ["query"]
			}`),
			Validate: validateSearchArgs,
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				return invokeSearch(ctx, retriever, args, retrieval.ModeVector)
			},
		},
		{
			Name:        "hybrid_search",
			Description: "Search the corpus combining semantic and keyword matching, weighted by detected query intent. The best default.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Natural-language search query"},
					"k": {"type": "integer", "description": "Number of passages to return (1-20, default 5)"}
				},
				"required": ["query"]
			}`),
			Validate: validateSearchArgs,
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				return invokeSearch(ctx, retriever, args, retrieval.ModeAuto)
			},
		},
		{
			Name:        "get_document",
			Description: "Fetch one document's title, source, author and chunk count by ID.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"document_id": {"type": "string", "description": "Document UUID"}
				},
				"required": ["document_id"]
			}`),
			Validate: func(args json.RawMessage) error {
				var a documentArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return apperr.Wrap(apperr.Validation, err, "get_document arguments")
				}
				if _, err := uuid.Parse(a.DocumentID); err != nil {
					return apperr.New(apperr.Validation, "document_id is not a UUID: %q", a.DocumentID)
				}
				return nil
			},
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				var a documentArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, apperr.Wrap(apperr.Validation, err, "get_document arguments")
				}
				id, err := uuid.Parse(a.DocumentID)
				if err != nil {
					return nil, apperr.New(apperr.Validation, "document_id is not a UUID: %q", a.DocumentID)
				}
				return docs.GetDocument(ctx, id)
			},
		},
		{
			Name:        "list_documents",
			Description: "List corpus documents, newest first.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "description": "Documents per page (1-100, default 20)"},
					"offset": {"type": "integer", "description": "Documents to skip"}
				}
			}`),
			Validate: func(args json.RawMessage) error {
				var a listArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return apperr.Wrap(apperr.Validation, err, "list_documents arguments")
				}
				return nil
			},
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				var a listArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, apperr.Wrap(apperr.Validation, err, "list_documents arguments")
				}
				if a.Limit <= 0 {
					a.Limit = 20
				}
				return docs.ListDocuments(ctx, a.Limit, a.Offset)
			},
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterGraphTools wires the entity-graph tools. Call only when the
// graph service is configured; without it the tools stay unregistered
// and the model never sees them.
func RegisterGraphTools(reg *Registry, gc GraphReader) error {
	tools := []Tool{
		{
			Name:        "graph_search",
			Description: "Search the entity graph for characters, places and concepts related to the query.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Entity or concept to look up"},
					"limit": {"type": "integer", "description": "Hits to return (1-50, default 10)"}
				},
				"required": ["query"]
			}`),
			Validate: validateEntityArgs("query"),
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				var a entityArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, apperr.Wrap(apperr.Validation, err, "graph_search arguments")
				}
				return gc.Search(ctx, a.Query, a.Limit)
			},
		},
		{
			Name:        "get_entity_relationships",
			Description: "List an entity's known relationships to other entities.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entity": {"type": "string", "description": "Entity name"},
					"limit": {"type": "integer", "description": "Relationships to return (1-50, default 10)"}
				},
				"required": ["entity"]
			}`),
			Validate: validateEntityArgs("entity"),
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				var a entityArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, apperr.Wrap(apperr.Validation, err, "get_entity_relationships arguments")
				}
				return gc.EntityRelationships(ctx, a.Entity, a.Limit)
			},
		},
		{
			Name:        "get_entity_timeline",
			Description: "List an entity's events in chronological order.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entity": {"type": "string", "description": "Entity name"},
					"limit": {"type": "integer", "description": "Events to return (1-50, default 10)"}
				},
				"required": ["entity"]
			}`),
			Validate: validateEntityArgs("entity"),
			Invoke: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				var a entityArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, apperr.Wrap(apperr.Validation, err, "get_entity_timeline arguments")
				}
				return gc.EntityTimeline(ctx, a.Entity, a.Limit)
			},
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type searchArgs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type documentArgs struct {
	DocumentID string `json:"document_id"`
}

type listArgs struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type entityArgs struct {
	Query  string `json:"query"`
	Entity string `json:"entity"`
	Limit  int    `json:"limit"`
}

func validateSearchArgs(args json.RawMessage) error {
	var a searchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return apperr.Wrap(apperr.Validation, err, "search arguments")
	}
	if a.Query == "" {
		return apperr.New(apperr.Validation, "query is required")
	}
	if a.K < 0 || a.K > 20 {
		return apperr.New(apperr.Validation, "k must be between 1 and 20")
	}
	return nil
}

func validateEntityArgs(field string) func(json.RawMessage) error {
	return func(args json.RawMessage) error {
		var a entityArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return apperr.Wrap(apperr.Validation, err, "entity arguments")
		}
		switch field {
		case "query":
			if a.Query == "" {
				return apperr.New(apperr.Validation, "query is required")
			}
		case "entity":
			if a.Entity == "" {
				return apperr.New(apperr.Validation, "entity is required")
			}
		}
		return nil
	}
}

func invokeSearch(ctx context.Context, retriever Retriever, args json.RawMessage, natural retrieval.Mode) (interface{}, error) {
	var a searchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "search arguments")
	}
	if a.K <= 0 {
		a.K = 5
	}

	results, _, err := retriever.Retrieve(ctx, a.Query, pinnedMode(ctx, natural), a.K)
	if err != nil {
		return nil, err
	}

	out := &SearchOutput{Results: make([]SearchHit, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchHit{
			Content:       r.Content,
			DocumentID:    r.DocumentID.String(),
			DocumentTitle: r.Title,
			ChunkID:       r.ChunkID,
			Score:         r.Score,
		})
	}
	return out, nil
}
