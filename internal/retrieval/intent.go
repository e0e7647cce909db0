package retrieval

import "strings"

// Intent classifies what kind of answer a query is after. The intent picks
// the vector/text weight pair used for hybrid fusion: definitional lookups
// lean on lexical match, conceptual questions lean on semantic similarity.
type Intent string

const (
	IntentFactual    Intent = "factual"
	IntentConceptual Intent = "conceptual"
	IntentProcedural Intent = "procedural"
	IntentBalanced   Intent = "balanced"
)

// cue is a weighted surface signal. Prefix cues must start the query
// ("how to build X"), substring cues may appear anywhere.
type cue struct {
	text   string
	prefix bool
	weight float64
}

var intentCues = map[Intent][]cue{
	IntentFactual: {
		{text: "what is", prefix: true, weight: 2},
		{text: "what are", prefix: true, weight: 2},
		{text: "when", prefix: true, weight: 1.5},
		{text: "who", prefix: true, weight: 1.5},
		{text: "define", weight: 1},
		{text: "definition", weight: 1},
	},
	IntentConceptual: {
		{text: "why", prefix: true, weight: 2},
		{text: "how does", weight: 2},
		{text: "explain", weight: 1.5},
		{text: "relate", weight: 1},
		{text: "relationship", weight: 1},
	},
	IntentProcedural: {
		{text: "how to", weight: 2},
		{text: "how do i", weight: 2},
		{text: "steps", weight: 1.5},
		{text: "implement", weight: 1.5},
		{text: "build", weight: 1},
	},
}

// intentOrder fixes tie resolution so classification is deterministic.
var intentOrder = []Intent{IntentFactual, IntentConceptual, IntentProcedural}

// DetectIntent scores each intent by its matching cues and returns the
// highest after normalization. Queries matching no cue are balanced.
// Purely lexical: the same query always yields the same intent.
func DetectIntent(query string) Intent {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return IntentBalanced
	}

	scores := make(map[Intent]float64, len(intentCues))
	var total float64
	for intent, cues := range intentCues {
		for _, c := range cues {
			if c.matches(q) {
				scores[intent] += c.weight
			}
		}
		total += scores[intent]
	}
	if total == 0 {
		return IntentBalanced
	}

	best := IntentBalanced
	var bestScore float64
	for _, intent := range intentOrder {
		if s := scores[intent] / total; s > bestScore {
			best, bestScore = intent, s
		}
	}
	return best
}

func (c cue) matches(q string) bool {
	if c.prefix {
		return q == c.text || strings.HasPrefix(q, c.text+" ")
	}
	return strings.Contains(q, c.text)
}
