package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/store"
)

// ChannelState is one channel's enablement for a caregiver.
type ChannelState struct {
	Channel nudge.Channel `json:"channel"`
	Label   string        `json:"label"`
	Enabled bool          `json:"enabled"`
}

// NewGateCommand creates the gate command.
func NewGateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gate <caregiver>",
		Short: "Show which channels a caregiver accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGate(rootOpts, args[0], cmd)
		},
	}
}

func runGate(opts *RootOptions, caregiver string, cmd *cobra.Command) error {
	p := newPrinter(opts, cmd)

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		e := err.(*ExitError)
		return p.fail(e.Code, e.Message, e.Err, nil)
	}
	pref, err := store.NewStaticPreferences(cfg.Server.Preferences).Preference(context.Background(), caregiver)
	if err != nil {
		return p.fail(ExitCommandError, "unknown caregiver", err, nil)
	}

	states := make([]ChannelState, 0, len(nudge.Channels))
	for _, ch := range nudge.Channels {
		ok, err := nudge.IsEnabled(*pref, ch)
		if err != nil {
			return p.fail(ExitFailure, "gate", err, nil)
		}
		states = append(states, ChannelState{Channel: ch, Label: ch.Label(), Enabled: ok})
	}

	return p.ok(states, func(w io.Writer) {
		fmt.Fprintf(w, "%s\n", caregiver)
		for _, s := range states {
			mark := "✗"
			if s.Enabled {
				mark = "✓"
			}
			fmt.Fprintf(w, "  %s %-7s %s\n", mark, s.Channel, s.Label)
		}
	})
}
