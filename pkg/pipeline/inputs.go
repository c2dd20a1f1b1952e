package pipeline

import (
	"fmt"

	"github.com/zen-systems/verdict/pkg/arbitration"
	"github.com/zen-systems/verdict/pkg/schema"
)

// Inputs is what a stage sees: caller literals, the results of its declared
// upstream stages, the arbitration decision once made, and reviewer feedback
// during a rerun.
type Inputs struct {
	Stage    string
	Feedback string
	Round    int
	Decision *arbitration.Decision

	literals map[string]any
	upstream map[string]*StageResult
	order    []string
}

func newInputs(stage Stage, literals map[string]any, results map[string]*StageResult) Inputs {
	in := Inputs{
		Stage:    stage.Name,
		literals: literals,
		upstream: make(map[string]*StageResult, len(stage.Inputs)),
	}
	for _, name := range stage.Inputs {
		if res, ok := results[name]; ok {
			in.upstream[name] = res
			in.order = append(in.order, name)
		}
	}
	return in
}

// Upstream lists the stage inputs available, in declaration order.
func (in Inputs) Upstream() []string {
	return append([]string(nil), in.order...)
}

// Has reports whether name resolves to an upstream result or a literal.
func (in Inputs) Has(name string) bool {
	if _, ok := in.upstream[name]; ok {
		return true
	}
	_, ok := in.literals[name]
	return ok
}

// Result returns the upstream result for name.
func (in Inputs) Result(name string) (*StageResult, bool) {
	res, ok := in.upstream[name]
	return res, ok
}

// Record returns the adapted record of an upstream stage, or nil.
func (in Inputs) Record(name string) schema.Record {
	if res, ok := in.upstream[name]; ok {
		return res.Record
	}
	return nil
}

// Text returns an upstream stage's raw text, or a literal rendered as text.
func (in Inputs) Text(name string) string {
	if res, ok := in.upstream[name]; ok {
		return res.Raw
	}
	switch v := in.literals[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte, [][]byte:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Value returns a caller literal.
func (in Inputs) Value(name string) any {
	return in.literals[name]
}

// Images returns the images literal, if any.
func (in Inputs) Images(name string) [][]byte {
	switch v := in.literals[name].(type) {
	case [][]byte:
		return v
	case []byte:
		if len(v) > 0 {
			return [][]byte{v}
		}
	}
	return nil
}

// TemplateData exposes inputs to prompt templates:
//
//	.Input.<name>     caller literal (text)
//	.Raw.<stage>      upstream raw text
//	.Records.<stage>  upstream adapted record
//	.Feedback, .Round, .Winner, .Reasoning
//
// Input and Raw are string maps, so an absent key renders empty. Nil record
// values are replaced with "" for the same reason.
func (in Inputs) TemplateData() map[string]any {
	input := make(map[string]string, len(in.literals))
	for k := range in.literals {
		input[k] = in.Text(k)
	}
	raw := make(map[string]string, len(in.upstream))
	records := make(map[string]any, len(in.upstream))
	for name, res := range in.upstream {
		raw[name] = res.Raw
		if res.Record != nil {
			records[name] = templateValue(res.Record)
		}
	}
	data := map[string]any{
		"Stage":     in.Stage,
		"Input":     input,
		"Raw":       raw,
		"Records":   records,
		"Feedback":  in.Feedback,
		"Round":     in.Round,
		"Winner":    "",
		"Reasoning": "",
	}
	if in.Decision != nil {
		data["Winner"] = in.Decision.Winner
		data["Reasoning"] = in.Decision.Reasoning
	}
	return data
}

// templateValue copies v with nil values replaced by "".
func templateValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = templateValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = templateValue(e)
		}
		return out
	}
	return v
}
