package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/adapter"
	"github.com/zen-systems/verdict/pkg/assessment"
	"github.com/zen-systems/verdict/pkg/audit"
	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/config"
	"github.com/zen-systems/verdict/pkg/literature"
	"github.com/zen-systems/verdict/pkg/pipeline"
	"github.com/zen-systems/verdict/pkg/schema"
)

var (
	configFile string
	mockFlag   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "verdict",
		Short: "Multi-stage model pipeline with a single authoritative arbitration step",
		Long: `Verdict runs a declared pipeline of model stages: concurrent vision stages,
	sequential analysis, one judge call that settles the diagnosis, and synthesis
	stages that write the report. Every stage's raw and adapted output is kept in
	an audit record written to the evidence directory.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default $HOME/.verdict/config.yaml)")
	root.PersistentFlags().BoolVar(&mockFlag, "mock", false, "route every backend role to the mock adapter")

	root.AddCommand(runCmd())
	root.AddCommand(adaptCmd())
	root.AddCommand(schemasCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(verifyCmd())
	return root
}

func adaptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapt <schema> [file]",
		Short: "Adapt free text into a typed record",
		Long: `Runs the output adapter on raw text read from a file or stdin: direct parse,
	JSON repair, then up to two formatter calls, falling back to schema defaults.
	The record and how it was obtained are printed as JSON.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ok := assessment.Schemas()[args[0]]
			if !ok {
				return fmt.Errorf("unknown schema %q (see 'verdict schemas')", args[0])
			}

			var raw []byte
			var err error
			if len(args) == 2 && args[1] != "-" {
				raw, err = os.ReadFile(args[1])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			adapters, err := createAdapters(cfg)
			if err != nil {
				return fmt.Errorf("failed to create adapters: %w", err)
			}
			rec, meta := newCoercer(cfg, adapters, logger).Adapt(cmd.Context(), string(raw), s, s.Name)

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"record": s.Encode(rec),
				"meta":   meta,
			})
		},
	}
}

func schemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas [stage]",
		Short: "List record schemas or print one as JSON schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all := assessment.Schemas()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				s, ok := all[args[0]]
				if !ok {
					return fmt.Errorf("unknown schema %q", args[0])
				}
				fmt.Fprintln(out, s.MarshalIndent())
				return nil
			}

			names := make([]string, 0, len(all))
			for name := range all {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tSCHEMA\tFIELDS")
			for _, name := range names {
				s := all[name]
				fmt.Fprintf(w, "%s\t%s\t%d\n", name, s.Name, len(s.Fields))
			}
			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [manifest.yaml]",
		Short: "Validate a prompt manifest",
		Long: `Validates a prompt manifest without executing it, then checks that it declares
	every stage of the assessment and that each stage's backend role is configured.
	Without an argument the built-in manifest is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *pipeline.Manifest
			var err error
			if len(args) == 1 {
				m, err = pipeline.LoadManifest(args[0])
			} else {
				m, err = assessment.DefaultManifest()
			}
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := assessment.NewPlan(assessment.Deps{Targets: targets(cfg), Manifest: m}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Manifest %s is valid (%d stages).\n", m.Name, len(m.Stages))
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show the backend for each role and model aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tADAPTER\tMODEL\tSTATUS")
			roles := targets(cfg)
			names := make([]string, 0, len(roles))
			for role := range roles {
				names = append(names, role)
			}
			sort.Strings(names)
			for _, role := range names {
				t := roles[role]
				status := "no key"
				if cfg.HasAdapter(t.Adapter) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", role, t.Adapter, t.Model, status)
			}

			if len(cfg.Aliases) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "ALIAS\tRESOLVES TO\t\t")
				for _, alias := range cfg.AliasNames() {
					fmt.Fprintf(w, "%s\t%s\t\t\n", alias, cfg.Resolve(alias))
				}
			}
			return w.Flush()
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-dir>",
		Short: "Verify an evidence bundle against its digest list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := audit.Verify(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Evidence bundle verified.")
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// setup loads configuration and builds the stderr logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Log.ZapLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}

// targets maps roles to backends, honouring --mock.
func targets(cfg *config.Config) map[string]adapter.Target {
	out := cfg.Targets()
	if mockFlag {
		for role := range out {
			out[role] = adapter.Target{Adapter: "mock", Model: "mock-1"}
		}
	}
	return out
}

func createAdapters(cfg *config.Config) (adapter.Registry, error) {
	adapters := make(adapter.Registry)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["ollama"] = adapter.NewOllamaAdapter(cfg.Ollama.BaseURL, adapter.WithNumPredict(cfg.Ollama.NumPredict))
	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}

func newCoercer(cfg *config.Config, adapters adapter.Registry, logger *zap.Logger) *coerce.Adapter {
	f := &coerce.BackendFormatter{
		Registry: adapters,
		Target:   targets(cfg)[config.RoleFormatter],
	}
	return coerce.New(f,
		coerce.WithLogger(logger),
		coerce.WithTimeout(cfg.Policy.FormatterTimeout))
}

func newLiterature(cfg *config.Config, logger *zap.Logger) *literature.Tool {
	pubmed := literature.NewPubMed(
		literature.WithBaseURL(cfg.PubMed.BaseURL),
		literature.WithCredentials(cfg.PubMed.Email, cfg.PubMed.APIKey),
		literature.WithMinYear(cfg.PubMed.MinYear),
		literature.WithMaxResults(cfg.PubMed.MaxResults),
	)
	return literature.NewTool(pubmed, literature.NewBudget(cfg.Policy.SearchBudget), logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeFinal(final schema.Record) map[string]any {
	out := make(map[string]any, len(final))
	for k, v := range final {
		out[k] = schema.Plain(v)
	}
	return out
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
