package nudge

import (
	"errors"
	"math"
	"testing"
)

func TestLoadRegistry_Defaults(t *testing.T) {
	reg, err := LoadRegistry(DefaultThresholds())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg.Len() != 3 {
		t.Errorf("Len: got %d, want 3", reg.Len())
	}
	keys := reg.ArticleKeys()
	if len(keys) != 2 || keys[0] != "hydration-tracking-basics" || keys[1] != "sleep-routine-blueprint" {
		t.Errorf("ArticleKeys: got %v", keys)
	}
}

// Scenario 4: a rule with neither bound is rejected.
func TestLoadRegistry_RejectsUnbounded(t *testing.T) {
	defs := DefaultThresholds()
	defs = append(defs, Threshold{Metric: "x", Channel: ChannelInApp, Title: "t", Message: "m"})

	reg, err := LoadRegistry(defs)
	if reg != nil {
		t.Error("expected nil registry on error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if ve.Field != "thresholds[3].min/max" {
		t.Errorf("Field: got %q", ve.Field)
	}
}

func TestLoadRegistry_Validation(t *testing.T) {
	valid := Threshold{Metric: "m", Min: Float(1), Channel: ChannelEmail, Title: "t", Message: "msg"}

	cases := []struct {
		name  string
		edit  func(*Threshold)
		field string
	}{
		{"empty metric", func(th *Threshold) { th.Metric = "" }, "thresholds[0].metric"},
		{"bad channel", func(th *Threshold) { th.Channel = "FAX" }, "thresholds[0].channel"},
		{"empty title", func(th *Threshold) { th.Title = "  " }, "thresholds[0].title"},
		{"empty message", func(th *Threshold) { th.Message = "" }, "thresholds[0].message"},
		{"nan min", func(th *Threshold) { th.Min = Float(math.NaN()) }, "thresholds[0].min"},
		{"inf max", func(th *Threshold) { th.Max = Float(math.Inf(1)) }, "thresholds[0].max"},
		{"min above max", func(th *Threshold) { th.Max = Float(0) }, "thresholds[0].min/max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			th := cloneThreshold(valid)
			tc.edit(&th)
			_, err := LoadRegistry([]Threshold{th})
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Errorf("Field: got %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestRegistry_AllReturnsCopies(t *testing.T) {
	defs := []Threshold{{Metric: "m", Min: Float(1), Channel: ChannelEmail, Title: "t", Message: "msg"}}
	reg, err := LoadRegistry(defs)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	*defs[0].Min = 100
	got := reg.All()
	if *got[0].Min != 1 {
		t.Errorf("registry shares input pointer: Min=%v", *got[0].Min)
	}

	*got[0].Min = 200
	if *reg.All()[0].Min != 1 {
		t.Error("All exposes registry pointer")
	}
}

func TestParseChannel(t *testing.T) {
	cases := map[string]Channel{
		"email":  ChannelEmail,
		"PUSH":   ChannelPush,
		"Chat":   ChannelChat,
		"matrix": ChannelChat,
		"in_app": ChannelInApp,
		"INAPP":  ChannelInApp,
	}
	for in, want := range cases {
		got, err := ParseChannel(in)
		if err != nil {
			t.Errorf("ParseChannel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseChannel(%q): got %s, want %s", in, got, want)
		}
	}

	_, err := ParseChannel("sms")
	var uc *UnknownChannelError
	if !errors.As(err, &uc) {
		t.Errorf("ParseChannel(sms): got %v, want UnknownChannelError", err)
	}
}
