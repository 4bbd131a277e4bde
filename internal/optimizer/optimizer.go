// Package optimizer rewrites queries for a search category and suggests the
// provider order that suits it. Everything here is deterministic.
package optimizer

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/hyperifyio/searchd/internal/search"
)

// Rewrite is the optimized form of a query.
type Rewrite struct {
	Text     string
	Category string
	// Providers is the preferred provider order for Category.
	Providers []string
}

// Optimizer holds per-category provider priorities. A nil or empty map
// falls back to DefaultPriorities.
type Optimizer struct {
	Priorities map[string][]string
}

var categorySuffix = map[string]string{
	search.CategoryNews:     "latest news",
	search.CategoryAcademic: "research paper",
	search.CategoryCode:     "documentation example",
}

// DefaultPriorities returns the built-in provider order per category.
func DefaultPriorities() map[string][]string {
	return map[string][]string{
		search.CategoryGeneral:  {"duckduckgo", "serpapi", "perplexity", "tavily", "claude"},
		search.CategoryNews:     {"tavily", "serpapi", "perplexity", "duckduckgo", "claude"},
		search.CategoryAcademic: {"perplexity", "serpapi", "tavily", "claude", "duckduckgo"},
		search.CategoryCode:     {"serpapi", "duckduckgo", "perplexity", "tavily", "claude"},
	}
}

// NormalizeCategory maps unknown or empty categories to general.
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	switch c {
	case search.CategoryNews, search.CategoryAcademic, search.CategoryCode:
		return c
	}
	return search.CategoryGeneral
}

// Optimize cleans text, appends the category's qualifier terms unless they
// are already present and attaches the provider priority for the category.
func (o *Optimizer) Optimize(text, category string) Rewrite {
	cat := NormalizeCategory(category)
	q := sanitizeQuery(text)
	if suffix, ok := categorySuffix[cat]; ok && q != "" && !containsAllWords(q, suffix) {
		q = q + " " + suffix
	}
	return Rewrite{Text: q, Category: cat, Providers: o.priority(cat)}
}

func (o *Optimizer) priority(category string) []string {
	var src []string
	if o != nil && len(o.Priorities[category]) > 0 {
		src = o.Priorities[category]
	} else {
		src = DefaultPriorities()[category]
	}
	return append([]string(nil), src...)
}

func sanitizeQuery(in string) string {
	s := norm.NFKC.String(in)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".?")
	return strings.TrimSpace(s)
}

func containsAllWords(text, words string) bool {
	have := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		have[w] = struct{}{}
	}
	for _, w := range strings.Fields(words) {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}
