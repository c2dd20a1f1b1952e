package pipeline

import (
	"fmt"

	"github.com/zen-systems/verdict/pkg/arbitration"
)

// InputSpec declares a caller-supplied input.
type InputSpec struct {
	Name     string
	Required bool
}

// ArbitrationStep sits between the phases. Candidates extracts the primary
// candidate, the alternatives and any side evidence from its inputs.
type ArbitrationStep struct {
	Name       string
	Inputs     []string
	Resolver   *arbitration.Resolver
	Candidates func(in Inputs) (primary string, alternatives []string, evidence string)
	// JudgeFor, when set, binds the resolver's judge to this run's inputs.
	JudgeFor func(in Inputs) arbitration.Judge
}

// RevisionFields names the boolean and text fields through which a stage
// reports whether a rerun revised its earlier output.
type RevisionFields struct {
	// Stage defaults to the terminal stage.
	Stage   string
	Applied string
	Reason  string
}

// Plan is the declared stage graph. It is plain data: the reduced recovery
// plan is a filtered copy of it.
type Plan struct {
	Name        string
	Inputs      []InputSpec
	FanOut      []Stage
	PhaseA      []Stage
	Arbitration *ArbitrationStep
	PhaseB      []Stage
	// Synthesis names the Phase B stages rebuilt during recovery and re-run
	// by the synthesis_only scope. They are always required. When empty and
	// the terminal stage is in Phase B, the terminal stage alone is used.
	Synthesis []string
	// Terminal names the stage whose record is the final record. Defaults
	// to the last Phase B stage.
	Terminal string
	Revision *RevisionFields
}

// Validate checks names, wiring and schemas.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is required")
	}
	if len(p.FanOut)+len(p.PhaseA)+len(p.PhaseB) == 0 {
		return fmt.Errorf("plan %s must define at least one stage", p.Name)
	}

	literals := make(map[string]bool, len(p.Inputs))
	for _, in := range p.Inputs {
		if in.Name == "" {
			return fmt.Errorf("input name is required")
		}
		literals[in.Name] = true
	}

	seen := make(map[string]bool)
	check := func(st Stage, phase string, allowStages bool) error {
		if st.Name == "" {
			return fmt.Errorf("%s: stage name is required", phase)
		}
		if seen[st.Name] || literals[st.Name] {
			return fmt.Errorf("duplicate stage name: %s", st.Name)
		}
		if (st.Execute == nil) == (st.Build == nil) {
			return fmt.Errorf("stage %s must set exactly one of Execute or Build", st.Name)
		}
		if st.Schema != nil {
			if err := st.Schema.Check(); err != nil {
				return fmt.Errorf("stage %s: %w", st.Name, err)
			}
		}
		for _, in := range st.Inputs {
			if literals[in] {
				continue
			}
			if !allowStages {
				return fmt.Errorf("fan-out stage %s cannot depend on stage %s", st.Name, in)
			}
			if !seen[in] {
				return fmt.Errorf("stage %s depends on %s, which is not declared before it", st.Name, in)
			}
		}
		seen[st.Name] = true
		return nil
	}

	for _, st := range p.FanOut {
		if err := check(st, "fan-out", false); err != nil {
			return err
		}
	}
	for _, st := range p.PhaseA {
		if err := check(st, "phase A", true); err != nil {
			return err
		}
	}
	if a := p.Arbitration; a != nil {
		if a.Name == "" || a.Resolver == nil || a.Candidates == nil {
			return fmt.Errorf("arbitration requires a name, resolver and candidate function")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate stage name: %s", a.Name)
		}
		for _, in := range a.Inputs {
			if !seen[in] && !literals[in] {
				return fmt.Errorf("arbitration depends on %s, which is not declared before it", in)
			}
		}
		seen[a.Name] = true
	}
	phaseB := make(map[string]bool, len(p.PhaseB))
	for _, st := range p.PhaseB {
		if err := check(st, "phase B", true); err != nil {
			return err
		}
		phaseB[st.Name] = true
	}
	for _, name := range p.Synthesis {
		if !phaseB[name] {
			return fmt.Errorf("synthesis stage %s is not a phase B stage", name)
		}
	}
	if p.Terminal != "" && !seen[p.Terminal] {
		return fmt.Errorf("terminal stage %s is not declared", p.Terminal)
	}
	term, ok := p.stage(p.terminal())
	if !ok {
		return fmt.Errorf("plan %s has no terminal stage", p.Name)
	}
	if term.Schema == nil && term.Build == nil {
		return fmt.Errorf("terminal stage %s must declare a schema or a builder", term.Name)
	}
	if len(p.Synthesis) > 0 && !p.isSynthesis(term.Name) {
		return fmt.Errorf("terminal stage %s must be a synthesis stage", term.Name)
	}
	if r := p.Revision; r != nil {
		if r.Applied == "" {
			return fmt.Errorf("revision fields require an applied field name")
		}
		if r.Stage != "" && !seen[r.Stage] {
			return fmt.Errorf("revision stage %s is not declared", r.Stage)
		}
	}
	return nil
}

func (p *Plan) stage(name string) (Stage, bool) {
	for _, group := range [][]Stage{p.FanOut, p.PhaseA, p.PhaseB} {
		for _, st := range group {
			if st.Name == name {
				return st, true
			}
		}
	}
	return Stage{}, false
}

func (p *Plan) revisionStage() string {
	if p.Revision != nil && p.Revision.Stage != "" {
		return p.Revision.Stage
	}
	return p.terminal()
}

func (p *Plan) terminal() string {
	if p.Terminal != "" {
		return p.Terminal
	}
	if n := len(p.PhaseB); n > 0 {
		return p.PhaseB[n-1].Name
	}
	if n := len(p.PhaseA); n > 0 {
		return p.PhaseA[n-1].Name
	}
	return ""
}

// synthesisNames returns Synthesis, or the terminal stage alone when none are
// declared and it belongs to Phase B.
func (p *Plan) synthesisNames() []string {
	if len(p.Synthesis) > 0 {
		return p.Synthesis
	}
	term := p.terminal()
	for _, st := range p.PhaseB {
		if st.Name == term {
			return []string{term}
		}
	}
	return nil
}

func (p *Plan) isSynthesis(name string) bool {
	for _, s := range p.synthesisNames() {
		if s == name {
			return true
		}
	}
	return false
}

func (p *Plan) required(st Stage) bool {
	return st.Required || p.isSynthesis(st.Name)
}

func (p *Plan) isLiteral(name string) bool {
	for _, in := range p.Inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// synthesisStages returns the Phase B stages named in Synthesis, in order.
func (p *Plan) synthesisStages() []Stage {
	var out []Stage
	for _, st := range p.PhaseB {
		if p.isSynthesis(st.Name) {
			out = append(out, st)
		}
	}
	return out
}

// StageNames lists every declared stage in execution order, arbitration included.
func (p *Plan) StageNames() []string {
	var names []string
	for _, group := range [][]Stage{p.FanOut, p.PhaseA} {
		for _, st := range group {
			names = append(names, st.Name)
		}
	}
	if p.Arbitration != nil {
		names = append(names, p.Arbitration.Name)
	}
	for _, st := range p.PhaseB {
		names = append(names, st.Name)
	}
	return names
}

// RecoveryStages builds the reduced plan: only the synthesis stages, each
// reading just the inputs that produced output (caller literals and earlier
// synthesis stages are always kept).
func (p *Plan) RecoveryStages(produced func(name string) bool) []Stage {
	synth := p.synthesisStages()
	out := make([]Stage, 0, len(synth))
	for _, st := range synth {
		var inputs []string
		for _, in := range st.Inputs {
			if p.isLiteral(in) || p.isSynthesis(in) || produced(in) {
				inputs = append(inputs, in)
			}
		}
		out = append(out, st.withInputs(inputs))
	}
	return out
}
