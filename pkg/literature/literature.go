// Package literature searches published medical literature on behalf of
// pipeline stages.
package literature

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MaxQueryWords bounds search terms; over-specified queries return nothing.
const MaxQueryWords = 4

// Query is one search request.
type Query struct {
	Terms      string
	MaxResults int
	Exclude    []string
}

// Article is a search hit.
type Article struct {
	PMID        string `json:"pmid"`
	Title       string `json:"title"`
	Journal     string `json:"journal"`
	Year        string `json:"year"`
	FirstAuthor string `json:"first_author"`
}

// Result is the outcome of a search.
type Result struct {
	Query    string    `json:"query"`
	Total    int       `json:"total"`
	Articles []Article `json:"articles"`
	// Excluded counts hits dropped because they were already seen.
	Excluded int `json:"excluded"`
}

// Searcher runs literature searches.
type Searcher interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

// ShortenQuery keeps at most MaxQueryWords words.
func ShortenQuery(terms string) string {
	words := strings.Fields(terms)
	if len(words) > MaxQueryWords {
		words = words[:MaxQueryWords]
	}
	return strings.Join(words, " ")
}

// Tool wraps a Searcher with the shared call budget and renders results as
// prompt text. It never returns an error; failures become text the model reads.
type Tool struct {
	searcher Searcher
	budget   *Budget
	logger   *zap.Logger
}

// NewTool creates a Tool. A nil logger disables logging.
func NewTool(s Searcher, budget *Budget, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{searcher: s, budget: budget, logger: logger}
}

// Budget returns the shared budget.
func (t *Tool) Budget() *Budget {
	return t.budget
}

// Run performs one budgeted search.
func (t *Tool) Run(ctx context.Context, q Query) (string, *Result) {
	if t.budget != nil && !t.budget.Take() {
		t.logger.Info("literature: budget exhausted", zap.Int("limit", t.budget.Limit()))
		return fmt.Sprintf("STOP: Maximum of %d literature searches reached. Do not search again. "+
			"Write your summary now using the articles you have already retrieved.", t.budget.Limit()), nil
	}

	q.Terms = ShortenQuery(q.Terms)
	if q.Terms == "" {
		return "No search terms supplied.", nil
	}
	res, err := t.searcher.Search(ctx, q)
	if err != nil {
		t.logger.Warn("literature: search failed", zap.String("query", q.Terms), zap.Error(err))
		return fmt.Sprintf("Literature search error: %v", err), nil
	}
	t.logger.Debug("literature: search complete", zap.String("query", q.Terms), zap.Int("hits", len(res.Articles)))
	return Format(res), res
}

// Format renders a result for inclusion in a prompt.
func Format(res *Result) string {
	if len(res.Articles) == 0 {
		if res.Excluded > 0 {
			return fmt.Sprintf("All matching articles for query '%s' were already retrieved (excluded: %d).\n"+
				"Proceed with your summary using the articles from your first search.", res.Query, res.Excluded)
		}
		return fmt.Sprintf("No articles found for query: '%s'\nConsider broadening the search terms.", res.Query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Search results for: '%s'\n", res.Query))
	sb.WriteString(fmt.Sprintf("Total articles found: %d (showing %d)\n", res.Total, len(res.Articles)))
	for i, a := range res.Articles {
		sb.WriteString(fmt.Sprintf("\n[%d] PMID: %s\n", i+1, a.PMID))
		sb.WriteString(fmt.Sprintf("    Title: %s\n", a.Title))
		sb.WriteString(fmt.Sprintf("    Author: %s et al. (%s) %s\n", a.FirstAuthor, a.Year, a.Journal))
	}
	return sb.String()
}

// PMIDs lists the identifiers in a result.
func (r *Result) PMIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Articles))
	for _, a := range r.Articles {
		ids = append(ids, a.PMID)
	}
	return ids
}
