// Package arbitration resolves a forced choice among candidate labels with one
// authoritative judge call.
package arbitration

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/schema"
)

// Source records how the winner was obtained.
type Source string

const (
	SourceNone    Source = "none"
	SourceParsed  Source = "parsed"
	SourceAdapter Source = "adapter"
	SourcePrimary Source = "primary"
)

var (
	decisionLine  = regexp.MustCompile(`(?im)^\W*DIAGNOSIS\s*:\s*(.+)`)
	reasoningLine = regexp.MustCompile(`(?ims)^\W*REASONING\s*:\s*(.+)`)
)

// FallbackSchema is the small record the adapter extracts when the fixed
// two-line format cannot be parsed.
var FallbackSchema = schema.New("ArbitrationDecision",
	schema.String("winner", "the chosen candidate, copied from the list").WithDefault(""),
	schema.String("reasoning", "why the evidence supports it").WithDefault(""),
)

// Judge makes the authoritative call.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, prompt string) (string, error)

// Judge calls f.
func (f JudgeFunc) Judge(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Decision is the outcome of Resolve.
type Decision struct {
	Winner     string   `json:"winner"`
	Reasoning  string   `json:"reasoning"`
	Candidates []string `json:"candidates"`
	// Matched is true when the winner was normalized to a submitted candidate.
	Matched bool `json:"matched"`
	// Unmatched flags a judge answer that named no candidate.
	Unmatched bool   `json:"unmatched"`
	Source    Source `json:"source"`
	Raw       string `json:"raw"`
}

// Empty reports whether no winner was produced.
func (d Decision) Empty() bool {
	return d.Winner == ""
}

// Resolver runs arbitration.
type Resolver struct {
	judge           Judge
	coercer         *coerce.Adapter
	acceptUnmatched bool
	preamble        string
	logger          *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAcceptUnmatched controls whether an unmatched answer is taken verbatim
// (true, the default) or replaced by the primary candidate. Either way the
// decision is flagged Unmatched.
func WithAcceptUnmatched(accept bool) Option {
	return func(r *Resolver) { r.acceptUnmatched = accept }
}

// WithPreamble sets the role and task text that opens the judge prompt.
func WithPreamble(text string) Option {
	return func(r *Resolver) { r.preamble = text }
}

// New creates a Resolver. coercer handles the unparseable-answer fallback and may be nil.
func New(judge Judge, coercer *coerce.Adapter, opts ...Option) *Resolver {
	r := &Resolver{
		judge:           judge,
		coercer:         coercer,
		acceptUnmatched: true,
		preamble:        "You are the final arbiter choosing between proposed answers.",
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithJudge returns a copy of r that calls j, for judges bound to one run's
// inputs such as an image.
func (r *Resolver) WithJudge(j Judge) *Resolver {
	cp := *r
	cp.judge = j
	return &cp
}

// Candidates deduplicates labels, primary first, preserving order and
// dropping blanks.
func Candidates(primary string, alternatives []string) []string {
	seen := make(map[string]bool, len(alternatives)+1)
	out := make([]string, 0, len(alternatives)+1)
	for _, c := range append([]string{primary}, alternatives...) {
		clean := strings.TrimSpace(c)
		if clean == "" || seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out
}

// Resolve asks the judge to pick one candidate. With no candidates it returns
// an empty decision without calling the judge. A judge error yields the
// primary candidate along with the error.
func (r *Resolver) Resolve(ctx context.Context, primary string, alternatives []string, evidence string) (Decision, error) {
	candidates := Candidates(primary, alternatives)
	if len(candidates) == 0 {
		return Decision{Source: SourceNone}, nil
	}

	r.logger.Info("arbitration: presenting candidates", zap.Strings("candidates", candidates))
	response, err := r.judge.Judge(ctx, BuildPrompt(r.preamble, candidates, evidence))
	if err != nil {
		r.logger.Warn("arbitration: judge failed, using primary", zap.Error(err))
		return Decision{Winner: candidates[0], Candidates: candidates, Source: SourcePrimary}, fmt.Errorf("judge: %w", err)
	}

	d := Decision{Candidates: candidates, Raw: response}
	if label, reasoning, ok := parseResponse(response); ok {
		d.Reasoning = reasoning
		d.Source = SourceParsed
		r.settle(&d, label)
	} else {
		r.fallback(ctx, &d)
	}

	r.logger.Info("arbitration: winner chosen",
		zap.String("winner", d.Winner),
		zap.String("source", string(d.Source)),
		zap.Bool("unmatched", d.Unmatched))
	return d, nil
}

func (r *Resolver) fallback(ctx context.Context, d *Decision) {
	if r.coercer != nil {
		text := fmt.Sprintf("A judge was shown %d candidates.\nCandidates: %s\n\nThe judge's response:\n%s\n\n"+
			"Extract the chosen candidate and the reasoning from the response above.",
			len(d.Candidates), strings.Join(d.Candidates, ", "), d.Raw)
		rec, meta := r.coercer.Adapt(ctx, text, FallbackSchema, "arbitration")
		winner, _ := rec["winner"].(string)
		reasoning, _ := rec["reasoning"].(string)
		if strings.TrimSpace(winner) != "" {
			r.logger.Debug("arbitration: recovered answer via adapter", zap.String("status", string(meta.Status)))
			d.Reasoning = reasoning
			d.Source = SourceAdapter
			r.settle(d, winner)
			return
		}
		if d.Reasoning == "" {
			d.Reasoning = reasoning
		}
	}
	d.Winner = d.Candidates[0]
	d.Matched = true
	d.Source = SourcePrimary
}

func (r *Resolver) settle(d *Decision, label string) {
	if canonical, ok := Match(label, d.Candidates); ok {
		d.Winner = canonical
		d.Matched = true
		return
	}
	d.Unmatched = true
	if r.acceptUnmatched {
		d.Winner = label
		return
	}
	d.Winner = d.Candidates[0]
}

// Match normalizes label onto a candidate: an exact case-insensitive match
// first, then the longest candidate contained in label, then the first
// candidate containing label.
func Match(label string, candidates []string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return "", false
	}
	for _, c := range candidates {
		if strings.ToLower(c) == needle {
			return c, true
		}
	}
	// The longest candidate named inside the answer is the most specific.
	best := ""
	for _, c := range candidates {
		if strings.Contains(needle, strings.ToLower(c)) && len(c) > len(best) {
			best = c
		}
	}
	if best != "" {
		return best, true
	}
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c), needle) {
			return c, true
		}
	}
	return "", false
}

func parseResponse(response string) (label, reasoning string, ok bool) {
	m := decisionLine.FindStringSubmatch(response)
	if m == nil {
		return "", "", false
	}
	label = cleanLabel(m[1])
	if label == "" {
		return "", "", false
	}
	if rm := reasoningLine.FindStringSubmatch(response); rm != nil {
		reasoning = strings.TrimSpace(rm[1])
	}
	return label, reasoning, true
}

func cleanLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_`\"'")
	s = strings.TrimSpace(s)
	return strings.TrimRight(s, ".")
}

// BuildPrompt renders the judge prompt with the numbered candidate list.
func BuildPrompt(preamble string, candidates []string, evidence string) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\nThe following answers have been proposed:\n")
	for i, c := range candidates {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, c))
	}
	if strings.TrimSpace(evidence) != "" {
		sb.WriteString("\nEvidence:\n")
		sb.WriteString(evidence)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWhich ONE answer from the list above does the evidence most strongly support?\n\n")
	sb.WriteString("Respond in this exact format (no other text):\n")
	sb.WriteString("DIAGNOSIS: <copy the exact name from the numbered list above>\n")
	sb.WriteString("REASONING: <2-3 sentences citing the specific evidence you relied on>")
	return sb.String()
}
