package assessment

import "github.com/zen-systems/verdict/pkg/schema"

var confidence = schema.Enum("confidence", "confidence in the primary diagnosis", "high", "moderate", "low").
	WithFallback("moderate").WithDefault("moderate")

var severity = schema.Enum("severity", "clinical severity", "Mild", "Moderate", "Severe").
	WithFallback("Moderate").WithDefault("Moderate")

func visualSchema(name, field, description string) *schema.Schema {
	return schema.New(name,
		schema.String(field, description).WithDefault(""),
		schema.String("reason", "clinical reasoning behind the assessment").WithDefault(""),
	)
}

var (
	ColourSchema    = visualSchema("ColourOutput", "lesion_colour", "clinical colour description of the lesion")
	TextureSchema   = visualSchema("SurfaceOutput", "surface", "primary surface characteristic of the lesion")
	LevellingSchema = visualSchema("LevellingOutput", "levelling", "elevation relative to surrounding skin: raised, flat or depressed")
	BorderSchema    = visualSchema("BorderOutput", "border", "lesion border and edge characteristics")
	ShapeSchema     = visualSchema("ShapeOutput", "shape", "geometric shape and outline of the lesion")
)

// AnchorSchema is the holistic first impression.
var AnchorSchema = schema.New("AnchorDiagnosis",
	schema.String("primary_diagnosis", "single most likely diagnosis").WithDefault(""),
	schema.String("reasoning", "visual and clinical basis").WithDefault(""),
)

// LesionSummarySchema holds the compact visual summary built from the fan-out.
var LesionSummarySchema = schema.New("LesionSummary",
	schema.String("summary", "lesion visual summary").WithDefault(""),
)

var PatientProfileSchema = schema.New("PatientProfile",
	schema.String("name", "patient's full name").WithDefault("Unknown"),
	schema.Integer("age", "age in years").AsOptional(),
	schema.String("sex", "biological sex: Male/Female/Other").AsOptional(),
	schema.String("skin_tone", "Fitzpatrick type or description").AsOptional(),
	schema.String("occupation", "current occupation").AsOptional(),
	schema.Strings("known_allergies", "known allergies").AsOptional(),
	schema.Strings("current_medications", "current medications").AsOptional(),
	schema.Strings("past_skin_conditions", "previous skin conditions").AsOptional(),
	schema.String("family_skin_history", "family history of skin conditions").AsOptional(),
	schema.String("notes", "any other relevant context").AsOptional(),
)

var DecompositionSchema = schema.New("DecompositionOutput",
	schema.Strings("symptoms", "identified symptoms in clinical terminology").AsOptional(),
	schema.Integer("time_days", "duration in days").AsOptional(),
	schema.String("onset", "sudden / gradual / unknown").AsOptional(),
	schema.String("progression", "spreading / stable / improving / worsening / fluctuating").AsOptional(),
	schema.Strings("body_location", "body locations mentioned").AsOptional(),
	schema.Strings("aggravating_factors", "things that make it worse").AsOptional(),
	schema.Strings("relieving_factors", "things that make it better").AsOptional(),
	schema.Strings("associated_symptoms", "fever, fatigue, joint pain and similar").AsOptional(),
	schema.Strings("recent_exposures", "new products, foods, environments, medications or contacts").AsOptional(),
	schema.Strings("prior_treatments", "treatments already tried").AsOptional(),
	schema.String("patient_description", "the patient's own words, verbatim").WithDefault(""),
)

var ResearchSchema = schema.New("ResearchSummary",
	schema.String("query", "search terms used").WithDefault(""),
	schema.String("summary", "evidence summary").WithDefault(""),
	schema.Strings("cited_pmids", "PMIDs supporting the summary").AsOptional(),
)

var DifferentialSchema = schema.New("DifferentialDiagnosisOutput",
	schema.String("primary_diagnosis", "most likely diagnosis").WithDefault(""),
	schema.Enum("confidence_in_primary", "confidence in the primary diagnosis", "high", "moderate", "low").
		WithFallback("moderate").WithDefault("moderate"),
	schema.String("primary_reasoning", "why the primary fits").WithDefault(""),
	schema.List("differentials", "alternative diagnoses", schema.Object("", "",
		schema.String("condition", "alternative diagnosis"),
		schema.Enum("probability", "likelihood", "high", "moderate", "low").WithFallback("moderate"),
		schema.String("distinguishing_test", "test that separates it from the primary").WithDefault(""),
		schema.String("clinical_reasoning", "supporting and opposing features").WithDefault(""),
	)).AsOptional(),
	schema.Strings("red_flags", "findings that need urgent attention").AsOptional(),
	schema.Bool("requires_urgent_referral", "whether urgent referral is needed").WithDefault(false),
)

var MimicSchema = schema.New("MimicResolutionOutput",
	schema.String("primary_diagnosis_confirmed", "diagnosis after ruling out the closest mimic").WithDefault(""),
	schema.String("rejected_mimic", "the mimic that was ruled out").WithDefault(""),
	schema.String("distinguishing_factor", "feature that separates them").WithDefault(""),
	schema.String("mimic_reasoning", "reasoning").WithDefault(""),
)

var TreatmentSchema = schema.New("TreatmentPlanOutput",
	schema.String("for_diagnosis", "diagnosis this plan addresses").WithDefault(""),
	schema.Strings("immediate_actions", "actions to take immediately").AsOptional(),
	schema.List("medications", "tiered medication protocol", schema.Object("", "",
		schema.Enum("line", "treatment line", "first", "second", "third", "adjunct").WithFallback("first"),
		schema.String("treatment_name", "drug or intervention"),
		schema.String("dose_or_protocol", "dose, route and frequency").WithDefault(""),
		schema.String("duration", "how long").WithDefault(""),
		schema.String("rationale", "why this line").WithDefault(""),
	)).AsOptional(),
	schema.Strings("non_pharmacological", "lifestyle changes, trigger avoidance, wound care").AsOptional(),
	schema.String("follow_up", "when and how to follow up").WithDefault(""),
	schema.Bool("referral_needed", "whether specialist referral is needed").WithDefault(false),
	schema.String("referral_to", "type of specialist").WithDefault(""),
	schema.Strings("contraindications", "patient-specific contraindications").AsOptional(),
	schema.Enum("evidence_level", "strength of evidence", "strong", "moderate", "limited", "expert_opinion").
		WithFallback("moderate").WithDefault("moderate"),
)

// Revision fields shared by the CMO decision and the final report.
const (
	FieldRevisionApplied = "revision_applied"
	FieldRevisionReason  = "revision_reason"
)

var CMOSchema = schema.New("CMOResult",
	schema.String("primary_diagnosis", "final primary diagnosis").WithDefault("Unknown"),
	confidence,
	severity,
	schema.String("clinical_reasoning", "reasoning integrating all evidence").WithDefault(""),
	schema.Strings("suggested_investigations", "recommended investigations").AsOptional(),
	schema.Strings("cited_pmids", "PMIDs cited").AsOptional(),
	schema.Bool(FieldRevisionApplied, "true when reviewer feedback changed the decision").WithDefault(false),
	schema.String(FieldRevisionReason, "what changed and why").WithDefault(""),
)

const disclaimer = "This assessment is generated by an automated system and is not a substitute " +
	"for examination by a qualified clinician."

// FinalDiagnosisSchema is the terminal report.
var FinalDiagnosisSchema = schema.New("FinalDiagnosis",
	schema.String("primary_diagnosis", "final primary diagnosis").WithDefault("Unknown"),
	confidence,
	severity,
	schema.String("clinical_reasoning", "reasoning from the CMO decision").WithDefault(""),
	schema.Strings("suggested_investigations", "recommended investigations").AsOptional(),
	schema.Strings("cited_pmids", "PMIDs cited").AsOptional(),
	schema.Bool(FieldRevisionApplied, "true when reviewer feedback changed the decision").WithDefault(false),
	schema.String(FieldRevisionReason, "what changed and why").WithDefault(""),
	schema.String("patient_summary", "plain-English explanation for the patient").WithDefault(""),
	schema.Strings("patient_recommendations", "actionable steps for the patient").AsOptional(),
	schema.String("doctor_notes", "technical notes for the physician").WithDefault(""),
	schema.Strings("treatment_suggestions", "treatment options from first line to escalation").AsOptional(),
	schema.String("literature_support", "how the literature supports the diagnosis").WithDefault(""),
	schema.String("when_to_seek_care", "warning signs that need prompt care").WithDefault(""),
	schema.String("disclaimer", "medical disclaimer").WithDefault(disclaimer),
)

// Schemas lists every record schema used by the assessment, keyed by stage.
func Schemas() map[string]*schema.Schema {
	return map[string]*schema.Schema{
		StageColour:        ColourSchema,
		StageTexture:       TextureSchema,
		StageLevelling:     LevellingSchema,
		StageBorder:        BorderSchema,
		StageShape:         ShapeSchema,
		StageAnchor:        AnchorSchema,
		StageLesionSummary: LesionSummarySchema,
		StageBiodata:       PatientProfileSchema,
		StageDecomposition: DecompositionSchema,
		StageResearch:      ResearchSchema,
		StageDifferential:  DifferentialSchema,
		StageMimic:         MimicSchema,
		StageTreatment:     TreatmentSchema,
		StageCMO:           CMOSchema,
		StageScribe:        FinalDiagnosisSchema,
	}
}
