package compose

import "strings"

// RouteKind is the query classifier's output (spec.md §4.K "Query
// routing").
type RouteKind int

const (
	RouteStructural RouteKind = iota
	RouteSemantic
	RouteHybrid
)

func (k RouteKind) String() string {
	switch k {
	case RouteStructural:
		return "structural"
	case RouteSemantic:
		return "semantic"
	default:
		return "hybrid"
	}
}

var structuralTriggers = []string{
	"what calls",
	"who imports",
	"dependencies of",
	"in file",
	"in section",
	"in module",
}

var semanticTriggers = []string{
	"how does",
	"explain",
	"similar to",
}

// Classify maps a prompt to {Structural, Semantic, Hybrid} by the fixed
// trigger phrases spec.md §4.K names. Matching is substring-based,
// case-insensitive, and checks structural triggers first so an ambiguous
// prompt containing both phrasings (e.g. "explain what calls foo")
// routes structurally, consistent with the spec's ordering of the two
// trigger lists.
func Classify(prompt string) RouteKind {
	lower := strings.ToLower(prompt)
	for _, trig := range structuralTriggers {
		if strings.Contains(lower, trig) {
			return RouteStructural
		}
	}
	for _, trig := range semanticTriggers {
		if strings.Contains(lower, trig) {
			return RouteSemantic
		}
	}
	return RouteHybrid
}
