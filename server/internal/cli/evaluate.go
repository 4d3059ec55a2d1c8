package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nestlog/nestlog/pkg/types"
	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/playbook"
	"github.com/nestlog/nestlog/server/internal/store"
)

// EvaluateResult lists the jobs a submission would create and what the gate
// would do with each.
type EvaluateResult struct {
	Caregiver string      `json:"caregiver"`
	Samples   int         `json:"samples"`
	Jobs      []JobResult `json:"jobs"`
}

// JobResult is one created job and its gate decision.
type JobResult struct {
	nudge.Job
	Deliverable bool   `json:"deliverable"`
	Reason      string `json:"reason,omitempty"`
}

type evaluateOptions struct {
	caregiver string
	playbook  string
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate <samples.json>",
		Short: "Dry-run thresholds against a samples file",
		Long: `Evaluate the configured thresholds against samples without sending
or storing anything.

The file holds either a JSON array of samples or a full submission
({"caregiver_key": "...", "metrics": [...]}). The caregiver's preference is
read from the config's preferences list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(rootOpts, opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.caregiver, "caregiver", "", "caregiver key (defaults to the file's caregiver_key)")
	cmd.Flags().StringVar(&opts.playbook, "playbook", "", "playbook directory (defaults to server.playbook.dir)")
	return cmd
}

func runEvaluate(rootOpts *RootOptions, opts *evaluateOptions, path string, cmd *cobra.Command) error {
	p := newPrinter(rootOpts, cmd)

	cfg, err := loadConfig(rootOpts.ConfigPath)
	if err != nil {
		e := err.(*ExitError)
		return p.fail(e.Code, e.Message, e.Err, nil)
	}

	sub, err := readSamples(path)
	if err != nil {
		return p.fail(ExitCommandError, "cannot read samples", err, nil)
	}
	if opts.caregiver != "" {
		sub.CaregiverKey = opts.caregiver
	}
	if sub.CaregiverKey == "" {
		return p.fail(ExitCommandError, "no caregiver: pass --caregiver or set caregiver_key in the file", nil, nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pref, err := store.NewStaticPreferences(cfg.Server.Preferences).Preference(ctx, sub.CaregiverKey)
	if err != nil {
		return p.fail(ExitCommandError, "unknown caregiver", err, nil)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return p.fail(ExitFailure, "invalid thresholds", err, nil)
	}
	articles, err := loadArticles(ctx, cfg, opts.playbook, reg.ArticleKeys())
	if err != nil {
		return p.fail(ExitCommandError, "cannot load playbook", err, nil)
	}

	samples := make([]nudge.MetricSample, len(sub.Samples))
	for i, s := range sub.Samples {
		samples[i] = nudge.MetricSample{Metric: s.Metric, Value: s.Value, CollectedAt: s.CollectedAt}
	}
	jobs, err := nudge.Evaluate(pref, reg.All(), samples, articles)
	if err != nil {
		return p.fail(ExitFailure, "invalid samples", err, nil)
	}

	res := EvaluateResult{Caregiver: sub.CaregiverKey, Samples: len(samples), Jobs: make([]JobResult, 0, len(jobs))}
	for _, j := range jobs {
		d, err := nudge.Gate(*pref, j)
		if err != nil {
			return p.fail(ExitFailure, "gate", err, nil)
		}
		res.Jobs = append(res.Jobs, JobResult{Job: j, Deliverable: d.Deliverable, Reason: d.Reason})
	}

	return p.ok(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %d sample(s), %d nudge(s)\n", res.Caregiver, res.Samples, len(res.Jobs))
		for _, j := range res.Jobs {
			verdict := "send"
			if !j.Deliverable {
				verdict = j.Reason
			}
			line := fmt.Sprintf("  %-7s %-20s %s", j.Channel, j.Title, j.TriggeredBy)
			if j.ArticleKey != "" {
				line += " [" + j.ArticleKey + "]"
			}
			fmt.Fprintf(w, "%s -> %s\n", line, verdict)
		}
	})
}

// readSamples decodes a samples array or a submission object.
func readSamples(path string) (types.Submission, error) {
	var sub types.Submission
	data, err := os.ReadFile(path)
	if err != nil {
		return sub, err
	}
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &sub.Samples)
	} else {
		err = json.Unmarshal(data, &sub)
	}
	if err != nil {
		return sub, fmt.Errorf("decode %s: %w", path, err)
	}
	return sub, nil
}

func loadArticles(ctx context.Context, cfg *config.Config, dir string, keys []string) (map[string]nudge.Article, error) {
	if dir == "" {
		dir = cfg.Server.Playbook.Dir
	}
	if dir == "" || len(keys) == 0 {
		return nil, nil
	}
	lib, err := playbook.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return lib.Articles(ctx, keys)
}
