package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/assessment"
	"github.com/zen-systems/verdict/pkg/audit"
	"github.com/zen-systems/verdict/pkg/pipeline"
	"github.com/zen-systems/verdict/pkg/schema"
)

func runCmd() *cobra.Command {
	var (
		textFlag     string
		textFile     string
		profileFlag  string
		imagePaths   []string
		manifestPath string
		evidenceDir  string
		reviewFlag   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the assessment pipeline",
		Long: `Runs the assessment on the patient's description and optional lesion images.
	The final report is printed to stdout as JSON; progress is logged to stderr.

	With --review, the run waits for a reviewer decision after each result:
	approve records the approval, reject asks for feedback and a rerun scope
	(full, post_arbitration or synthesis_only) and runs again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewFlag && textFlag == "" && (textFile == "" || textFile == "-") {
				return fmt.Errorf("--review reads decisions from stdin; pass the description with --text or --text-file")
			}
			patient, err := readPatientText(cmd.InOrStdin(), textFlag, textFile)
			if err != nil {
				return err
			}

			inputs := map[string]any{
				assessment.InputPatientText: patient,
				assessment.InputProfile:     profileFlag,
			}
			if len(imagePaths) > 0 {
				images := make([][]byte, 0, len(imagePaths))
				for _, p := range imagePaths {
					data, err := os.ReadFile(p)
					if err != nil {
						return fmt.Errorf("failed to read image: %w", err)
					}
					images = append(images, data)
				}
				inputs[assessment.InputImage] = images
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if evidenceDir == "" {
				evidenceDir = cfg.EvidenceDir
			}

			var manifest *pipeline.Manifest
			if manifestPath != "" {
				if manifest, err = pipeline.LoadManifest(manifestPath); err != nil {
					return err
				}
			}

			adapters, err := createAdapters(cfg)
			if err != nil {
				return fmt.Errorf("failed to create adapters: %w", err)
			}
			d, err := assessment.NewDriver(assessment.Deps{
				Registry:        adapters,
				Targets:         targets(cfg),
				Policy:          cfg.CallPolicy(),
				Manifest:        manifest,
				Literature:      newLiterature(cfg, logger),
				Coercer:         newCoercer(cfg, adapters, logger),
				Logger:          logger,
				AcceptUnmatched: cfg.Policy.AcceptUnmatchedWinner,
				StageTimeout:    cfg.Policy.StageTimeout,
			})
			if err != nil {
				return err
			}

			s := &session{
				driver:      d,
				evidenceDir: evidenceDir,
				out:         cmd.OutOrStdout(),
				prompt:      cmd.ErrOrStderr(),
				logger:      logger,
			}
			final, run, runErr := d.Run(cmd.Context(), inputs)
			if err := s.report(final, run, runErr); err != nil {
				return err
			}
			if !reviewFlag {
				return nil
			}
			return s.review(cmd.Context(), cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&textFlag, "text", "", "patient description")
	cmd.Flags().StringVar(&textFile, "text-file", "", "read the patient description from a file ('-' for stdin)")
	cmd.Flags().StringVar(&profileFlag, "profile", "", "patient profile: age, sex, skin tone, medications, allergies")
	cmd.Flags().StringSliceVar(&imagePaths, "image", nil, "lesion image path (repeatable)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "prompt manifest overriding the built-in one")
	cmd.Flags().StringVar(&evidenceDir, "evidence-dir", "", "evidence bundle directory (default from config)")
	cmd.Flags().BoolVar(&reviewFlag, "review", false, "wait for reviewer approval or feedback after each run")

	return cmd
}

func readPatientText(stdin io.Reader, text, file string) (string, error) {
	if text != "" {
		return text, nil
	}
	var data []byte
	var err error
	if file != "" && file != "-" {
		data, err = os.ReadFile(file)
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read patient description: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("patient description is empty")
	}
	return string(data), nil
}

// session prints results and persists the evidence bundle after every round.
type session struct {
	driver      *pipeline.Driver
	evidenceDir string
	out         io.Writer
	prompt      io.Writer
	logger      *zap.Logger
}

func (s *session) report(final schema.Record, run *pipeline.PipelineRun, runErr error) error {
	if run != nil {
		if err := s.save(run); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if missing := run.Missing(); len(missing) > 0 {
		fmt.Fprintf(s.prompt, "Stages without output: %s\n", formatList(missing))
	}
	return printJSON(s.out, encodeFinal(final))
}

func (s *session) save(run *pipeline.PipelineRun) error {
	if s.evidenceDir == "" {
		return nil
	}
	w, err := audit.NewWriter(s.evidenceDir, run.ID)
	if err != nil {
		return fmt.Errorf("failed to create evidence bundle: %w", err)
	}
	if err := w.Write(run.Audit); err != nil {
		return err
	}
	s.logger.Info("verdict: evidence written", zap.String("dir", w.RunDir()))
	return nil
}

// review reads decisions until the reviewer approves or input ends.
func (s *session) review(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	ask := func(q string) (string, bool) {
		fmt.Fprint(s.prompt, q)
		if !sc.Scan() {
			return "", false
		}
		return strings.TrimSpace(sc.Text()), true
	}

	for {
		answer, ok := ask("Approve this result? [a]pprove / [r]eject: ")
		if !ok {
			return sc.Err()
		}
		switch strings.ToLower(answer) {
		case "a", "approve", "y", "yes":
			note, _ := ask("Approval note (optional): ")
			run := s.driver.Current()
			run.Approve(note)
			return s.save(run)

		case "r", "reject", "n", "no":
			feedback, ok := ask("Feedback for the rerun: ")
			if !ok {
				return sc.Err()
			}
			scope, ok := ask("Rerun scope [full/post_arbitration/synthesis_only] (default full): ")
			if !ok {
				return sc.Err()
			}
			if scope == "" {
				scope = string(pipeline.ScopeFull)
			}
			final, run, runErr := s.driver.Rerun(ctx, feedback, scope)
			if err := s.report(final, run, runErr); err != nil {
				return err
			}

		default:
			fmt.Fprintln(s.prompt, "Please answer 'a' or 'r'.")
		}
	}
}
