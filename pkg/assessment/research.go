package assessment

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/adapter"
	"github.com/zen-systems/verdict/pkg/literature"
	"github.com/zen-systems/verdict/pkg/pipeline"
	"github.com/zen-systems/verdict/pkg/schema"
)

const fallbackTerms = "skin lesion"

// research asks for a short query, searches through the budgeted tool,
// broadens once when the first search comes back thin, then summarizes.
func (b *builder) research() (pipeline.Stage, error) {
	querySpec, queryTarget, err := b.spec(promptResearchQuery)
	if err != nil {
		return pipeline.Stage{}, err
	}
	spec, target, err := b.spec(StageResearch)
	if err != nil {
		return pipeline.Stage{}, err
	}
	return pipeline.Stage{
		Name:    StageResearch,
		Inputs:  []string{StageAnchor, StageDecomposition},
		Schema:  ResearchSchema,
		Timeout: b.timeout(spec),
		Execute: func(ctx context.Context, in pipeline.Inputs) (string, error) {
			working := workingDiagnosis(in)
			query := b.searchTerms(ctx, querySpec, queryTarget, in, working)
			articles := b.search(ctx, query, working)

			prompt, err := spec.RenderWith(in, map[string]any{"Query": query, "Articles": articles})
			if err != nil {
				return "", err
			}
			summary, err := b.generate(ctx, target, prompt, nil)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Search query: %s\n\n%s", query, summary), nil
		},
	}, nil
}

func workingDiagnosis(in pipeline.Inputs) string {
	if d := text(in.Record(StageAnchor), "primary_diagnosis"); d != "" {
		return d
	}
	return fallbackTerms
}

// searchTerms never fails: a failed or empty query call falls back to the
// working diagnosis.
func (b *builder) searchTerms(ctx context.Context, spec pipeline.StageSpec, target adapter.Target, in pipeline.Inputs, working string) string {
	prompt, err := spec.RenderWith(in, map[string]any{"Working": working})
	if err == nil {
		var raw string
		raw, err = b.generate(ctx, target, prompt, nil)
		if q := cleanQuery(raw); err == nil && q != "" {
			return q
		}
	}
	if err != nil {
		b.logger.Warn("assessment: query generation failed, using working diagnosis", zap.Error(err))
	}
	return literature.ShortenQuery(working)
}

// cleanQuery keeps the first non-empty line without labels or quotes.
func cleanQuery(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.Index(line, ":"); i >= 0 && strings.Contains(strings.ToLower(line[:i]), "query") {
			line = line[i+1:]
		}
		line = strings.Trim(strings.TrimSpace(line), "\"'`*")
		return literature.ShortenQuery(line)
	}
	return ""
}

func (b *builder) search(ctx context.Context, query, working string) string {
	tool := b.deps.Literature
	if tool == nil {
		return "Literature search is not available for this run."
	}
	found, res := tool.Run(ctx, literature.Query{Terms: query})
	if res == nil || len(res.Articles) >= minArticles {
		return found
	}

	broader := broaden(query, working)
	if broader == "" {
		return found
	}
	more, _ := tool.Run(ctx, literature.Query{Terms: broader, Exclude: res.PMIDs()})
	return found + "\n" + more
}

// broaden drops the last query word, or falls back to the working diagnosis.
func broaden(query, working string) string {
	words := strings.Fields(query)
	if len(words) > 1 {
		return strings.Join(words[:len(words)-1], " ")
	}
	w := literature.ShortenQuery(working)
	if strings.EqualFold(w, query) {
		return ""
	}
	return w
}

var visualStages = []struct {
	stage, field, label string
}{
	{StageColour, "lesion_colour", "Colour"},
	{StageTexture, "surface", "Surface"},
	{StageLevelling, "levelling", "Elevation"},
	{StageBorder, "border", "Border"},
	{StageShape, "shape", "Shape"},
}

// buildLesionSummary condenses the vision stages into one block. Without any
// visual output it returns no record.
func buildLesionSummary(_ context.Context, in pipeline.Inputs) (schema.Record, error) {
	var lines []string
	for _, v := range visualStages {
		value := text(in.Record(v.stage), v.field)
		if value == "" {
			value = firstLine(in.Text(v.stage))
		}
		if value != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", v.label, value))
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("LESION VISUAL SUMMARY:\n")
	sb.WriteString(strings.Join(lines, "\n"))
	if d := text(in.Record(StageAnchor), "primary_diagnosis"); d != "" {
		sb.WriteString("\n\nInitial visual impression: ")
		sb.WriteString(d)
	}
	return schema.Record{"summary": sb.String()}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
