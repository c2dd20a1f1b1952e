// Package assessment declares the dermatology assessment pipeline: its
// stages, record schemas, prompts and the model backends each stage calls.
package assessment

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/adapter"
	"github.com/zen-systems/verdict/pkg/arbitration"
	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/literature"
	"github.com/zen-systems/verdict/pkg/pipeline"
	"github.com/zen-systems/verdict/pkg/schema"
)

// Caller inputs.
const (
	InputPatientText = "patient_text"
	InputProfile     = "profile"
	InputImage       = "image"
)

// Stage names.
const (
	StageColour        = "colour"
	StageTexture       = "texture"
	StageLevelling     = "levelling"
	StageBorder        = "border"
	StageShape         = "shape"
	StageAnchor        = "anchor"
	StageLesionSummary = "lesion_summary"
	StageBiodata       = "biodata"
	StageDecomposition = "decomposition"
	StageResearch      = "research"
	StageDifferential  = "differential"
	StageMimic         = "mimic"
	StageDebate        = "debate"
	StageTreatment     = "treatment"
	StageCMO           = "cmo"
	StageScribe        = "scribe"

	promptResearchQuery = "research_query"
)

// Backend roles named by the manifest.
const (
	RoleVision    = "vision"
	RoleReasoning = "reasoning"
	RoleText      = "text"
)

// minArticles is the hit count below which research broadens its search once.
const minArticles = 3

// ErrNoImage is returned by vision stages when the run has no image.
var ErrNoImage = errors.New("no image supplied")

//go:embed manifest.yaml
var manifestYAML []byte

// DefaultManifest returns the built-in prompt manifest.
func DefaultManifest() (*pipeline.Manifest, error) {
	return pipeline.ParseManifest(manifestYAML)
}

const judgePreamble = "You are the senior dermatologist settling a diagnostic debate. " +
	"If an image is attached, the lesion's appearance outweighs the written history."

// Deps binds the assessment to its backends.
type Deps struct {
	Registry adapter.Registry
	// Targets maps a role (vision, reasoning, text) to an adapter and model.
	Targets map[string]adapter.Target
	Policy  adapter.Policy
	// Manifest overrides the built-in prompts.
	Manifest *pipeline.Manifest
	// Literature is the budgeted search tool. Nil disables searching.
	Literature *literature.Tool
	// Coercer adapts stage output and unparseable judge answers.
	Coercer         *coerce.Adapter
	Logger          *zap.Logger
	AcceptUnmatched bool
	// StageTimeout applies to stages whose manifest entry sets none.
	StageTimeout time.Duration
}

type builder struct {
	deps     Deps
	manifest *pipeline.Manifest
	logger   *zap.Logger
}

// NewPlan declares the assessment pipeline.
func NewPlan(deps Deps) (*pipeline.Plan, error) {
	b := &builder{deps: deps, manifest: deps.Manifest, logger: deps.Logger}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.manifest == nil {
		m, err := DefaultManifest()
		if err != nil {
			return nil, err
		}
		b.manifest = m
	}
	if b.deps.Coercer == nil {
		b.deps.Coercer = coerce.New(nil)
	}

	literals := []string{InputPatientText, InputImage}
	var fanOut []pipeline.Stage
	for _, v := range []struct {
		name string
		sch  *schema.Schema
	}{
		{StageColour, ColourSchema},
		{StageTexture, TextureSchema},
		{StageLevelling, LevellingSchema},
		{StageBorder, BorderSchema},
		{StageShape, ShapeSchema},
	} {
		st, err := b.model(v.name, v.sch, literals...)
		if err != nil {
			return nil, err
		}
		st.Execute = requireImage(st.Execute)
		fanOut = append(fanOut, st)
	}

	anchor, err := b.model(StageAnchor, AnchorSchema, InputPatientText, InputProfile, InputImage)
	if err != nil {
		return nil, err
	}
	biodata, err := b.model(StageBiodata, PatientProfileSchema, InputPatientText, InputProfile)
	if err != nil {
		return nil, err
	}
	decomposition, err := b.model(StageDecomposition, DecompositionSchema, InputPatientText, StageBiodata)
	if err != nil {
		return nil, err
	}
	research, err := b.research()
	if err != nil {
		return nil, err
	}
	differential, err := b.model(StageDifferential, DifferentialSchema,
		StageLesionSummary, StageAnchor, StageBiodata, StageDecomposition, StageResearch)
	if err != nil {
		return nil, err
	}
	mimic, err := b.model(StageMimic, MimicSchema, StageDifferential)
	if err != nil {
		return nil, err
	}
	treatment, err := b.model(StageTreatment, TreatmentSchema, StageBiodata, StageResearch)
	if err != nil {
		return nil, err
	}
	cmo, err := b.model(StageCMO, CMOSchema,
		StageLesionSummary, StageBiodata, StageDecomposition, StageResearch, StageDifferential, StageMimic)
	if err != nil {
		return nil, err
	}
	scribe, err := b.model(StageScribe, FinalDiagnosisSchema, StageCMO, StageTreatment, StageResearch)
	if err != nil {
		return nil, err
	}

	lesionSummary := pipeline.Stage{
		Name:   StageLesionSummary,
		Inputs: []string{StageColour, StageTexture, StageLevelling, StageBorder, StageShape, StageAnchor},
		Build:  buildLesionSummary,
		Schema: LesionSummarySchema,
	}

	judgeTarget, err := b.target(RoleReasoning)
	if err != nil {
		return nil, err
	}
	resolver := arbitration.New(b.judge(judgeTarget, nil), b.deps.Coercer,
		arbitration.WithLogger(b.logger),
		arbitration.WithAcceptUnmatched(deps.AcceptUnmatched),
		arbitration.WithPreamble(judgePreamble))

	plan := &pipeline.Plan{
		Name: b.manifest.Name,
		Inputs: []pipeline.InputSpec{
			{Name: InputPatientText, Required: true},
			{Name: InputProfile},
			{Name: InputImage},
		},
		FanOut: fanOut,
		PhaseA: []pipeline.Stage{anchor, lesionSummary, biodata, decomposition, research, differential, mimic},
		Arbitration: &pipeline.ArbitrationStep{
			Name:       StageDebate,
			Inputs:     []string{StageAnchor, StageDifferential, StageLesionSummary, StageMimic, InputImage},
			Resolver:   resolver,
			Candidates: debateCandidates,
			JudgeFor:   b.judgeFor,
		},
		PhaseB:    []pipeline.Stage{treatment, cmo, scribe},
		Synthesis: []string{StageCMO, StageScribe},
		Terminal:  StageScribe,
		Revision: &pipeline.RevisionFields{
			Stage:   StageCMO,
			Applied: FieldRevisionApplied,
			Reason:  FieldRevisionReason,
		},
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// NewDriver builds the plan and a driver that shares the deps' coercer and
// resets the literature budget on every full run.
func NewDriver(deps Deps, opts ...pipeline.Option) (*pipeline.Driver, error) {
	plan, err := NewPlan(deps)
	if err != nil {
		return nil, err
	}
	base := []pipeline.Option{pipeline.WithLogger(deps.Logger)}
	if deps.Coercer != nil {
		base = append(base, pipeline.WithCoercer(deps.Coercer))
	}
	if deps.Literature != nil && deps.Literature.Budget() != nil {
		base = append(base, pipeline.WithResettable(deps.Literature.Budget()))
	}
	return pipeline.New(plan, append(base, opts...)...)
}

func (b *builder) target(role string) (adapter.Target, error) {
	t, ok := b.deps.Targets[role]
	if !ok || t.Adapter == "" {
		return adapter.Target{}, fmt.Errorf("no backend configured for role %q", role)
	}
	return t, nil
}

func (b *builder) spec(name string) (pipeline.StageSpec, adapter.Target, error) {
	spec, ok := b.manifest.Stage(name)
	if !ok {
		return pipeline.StageSpec{}, adapter.Target{}, fmt.Errorf("manifest %s has no stage %q", b.manifest.Name, name)
	}
	t, err := b.target(spec.Backend)
	if err != nil {
		return pipeline.StageSpec{}, adapter.Target{}, fmt.Errorf("stage %s: %w", name, err)
	}
	return spec, t, nil
}

func (b *builder) timeout(spec pipeline.StageSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return b.deps.StageTimeout
}

// model declares a stage that renders its manifest prompt and calls its backend.
func (b *builder) model(name string, sch *schema.Schema, inputs ...string) (pipeline.Stage, error) {
	spec, target, err := b.spec(name)
	if err != nil {
		return pipeline.Stage{}, err
	}
	return pipeline.Stage{
		Name:    name,
		Inputs:  inputs,
		Schema:  sch,
		Timeout: b.timeout(spec),
		Execute: func(ctx context.Context, in pipeline.Inputs) (string, error) {
			prompt, err := spec.Render(in)
			if err != nil {
				return "", err
			}
			var images [][]byte
			if spec.Images {
				images = in.Images(InputImage)
			}
			return b.generate(ctx, target, prompt, images)
		},
	}, nil
}

func (b *builder) generate(ctx context.Context, target adapter.Target, prompt string, images [][]byte) (string, error) {
	resp, reports, err := adapter.Call(ctx, b.deps.Registry, target, prompt, images, b.deps.Policy)
	if err != nil {
		return "", err
	}
	if n := len(reports); n > 0 && (reports[n-1].Retries > 0 || reports[n-1].FallbackUsed) {
		last := reports[n-1]
		b.logger.Info("assessment: call recovered",
			zap.String("target", target.String()),
			zap.String("served_by", last.Adapter+"/"+last.Model),
			zap.Int("retries", last.Retries),
			zap.Bool("fallback", last.FallbackUsed))
	}
	return resp.Content, nil
}

func requireImage(next pipeline.Executor) pipeline.Executor {
	return func(ctx context.Context, in pipeline.Inputs) (string, error) {
		if len(in.Images(InputImage)) == 0 {
			return "", ErrNoImage
		}
		return next(ctx, in)
	}
}

// judgeFor looks at the image when the run has one.
func (b *builder) judgeFor(in pipeline.Inputs) arbitration.Judge {
	images := in.Images(InputImage)
	role := RoleReasoning
	if len(images) > 0 {
		role = RoleVision
	}
	t, err := b.target(role)
	if err != nil {
		t, _ = b.target(RoleReasoning)
		images = nil
	}
	return b.judge(t, images)
}

func (b *builder) judge(t adapter.Target, images [][]byte) arbitration.Judge {
	return arbitration.JudgeFunc(func(ctx context.Context, prompt string) (string, error) {
		return b.generate(ctx, t, prompt, images)
	})
}

// debateCandidates puts the anchor's first impression against the
// differential. The lesion summary and mimic analysis are the evidence.
func debateCandidates(in pipeline.Inputs) (string, []string, string) {
	anchor := text(in.Record(StageAnchor), "primary_diagnosis")
	differential := in.Record(StageDifferential)
	primary := anchor
	var alternatives []string
	if d := text(differential, "primary_diagnosis"); d != "" {
		if primary == "" {
			primary = d
		} else {
			alternatives = append(alternatives, d)
		}
	}
	alternatives = append(alternatives, conditions(differential)...)

	var evidence []string
	if s := text(in.Record(StageLesionSummary), "summary"); s != "" {
		evidence = append(evidence, s)
	}
	if r := text(in.Record(StageAnchor), "reasoning"); r != "" {
		evidence = append(evidence, "Initial impression: "+r)
	}
	if m := in.Record(StageMimic); m != nil {
		if f := text(m, "distinguishing_factor"); f != "" {
			evidence = append(evidence, fmt.Sprintf("Mimic analysis: %s ruled out; %s",
				text(m, "rejected_mimic"), f))
		}
	}
	return primary, alternatives, strings.Join(evidence, "\n\n")
}

func conditions(rec schema.Record) []string {
	items, _ := rec["differentials"].([]any)
	var out []string
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if c := text(m, "condition"); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

func text(rec map[string]any, key string) string {
	if rec == nil {
		return ""
	}
	s, _ := rec[key].(string)
	return strings.TrimSpace(s)
}
