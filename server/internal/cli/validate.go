package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/nudge"
)

// ValidateResult summarises a valid configuration.
type ValidateResult struct {
	Valid       bool              `json:"valid"`
	Thresholds  []nudge.Threshold `json:"thresholds"`
	Preferences int               `json:"preferences"`
	Channels    map[string]string `json:"channels"`
	Storage     string            `json:"storage"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a server config",
		Long: `Load the server config, apply defaults and validate every section,
including each threshold definition. Prints the effective rule set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		e := err.(*ExitError)
		return p.fail(e.Code, e.Message, e.Err, ValidateResult{Valid: false})
	}

	res := ValidateResult{
		Valid:       true,
		Thresholds:  cfg.Server.Nudges.EffectiveThresholds(),
		Preferences: len(cfg.Server.Preferences),
		Channels:    make(map[string]string, len(nudge.Channels)),
		Storage:     cfg.Server.Storage.Driver,
	}
	for _, ch := range nudge.Channels {
		res.Channels[string(ch)] = cfg.Server.Channels.For(ch).Type
	}

	return p.ok(res, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s valid: %d threshold(s), %d preference(s), storage %s\n",
			opts.ConfigPath, len(res.Thresholds), res.Preferences, res.Storage)
		for _, t := range res.Thresholds {
			fmt.Fprintf(w, "  %-24s %-14s -> %-7s %s\n", t.Metric, bounds(t), t.Channel, t.Title)
		}
		for _, ch := range nudge.Channels {
			fmt.Fprintf(w, "  channel %-7s %s\n", ch, res.Channels[string(ch)])
		}
	})
}

// loadConfig maps config errors to exit codes: an unreadable file is a
// command error, an invalid one a validation failure.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return nil, exitErr(ExitCommandError, "cannot read config", err)
	default:
		return nil, exitErr(ExitFailure, "invalid config", err)
	}
}

func bounds(t nudge.Threshold) string {
	var parts []string
	if t.Min != nil {
		parts = append(parts, fmt.Sprintf("min %g", *t.Min))
	}
	if t.Max != nil {
		parts = append(parts, fmt.Sprintf("max %g", *t.Max))
	}
	return strings.Join(parts, " ")
}
