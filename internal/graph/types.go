package graph

// Entity is a node in the external entity graph.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// SearchHit is one entity matched by a graph search.
type SearchHit struct {
	Entity  Entity  `json:"entity"`
	Summary string  `json:"summary,omitempty"`
	Score   float64 `json:"score"`
}

// Relationship is one edge touching the queried entity.
type Relationship struct {
	Subject   string  `json:"subject"`
	Predicate string  `json:"predicate"`
	Object    string  `json:"object"`
	Weight    float64 `json:"weight,omitempty"`
}

// TimelineEvent is one dated mention of an entity across the corpus.
type TimelineEvent struct {
	Date        string `json:"date,omitempty"`
	Description string `json:"description"`
	DocumentID  string `json:"document_id,omitempty"`
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []SearchHit `json:"results"`
}

type relationshipsResponse struct {
	Entity        string         `json:"entity"`
	Relationships []Relationship `json:"relationships"`
}

type timelineResponse struct {
	Entity string          `json:"entity"`
	Events []TimelineEvent `json:"events"`
}
