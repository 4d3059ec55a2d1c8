package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sample is one timestamped observation of a named caregiving metric,
// e.g. wet_diapers_last_24h = 4 at 07:30.
type Sample struct {
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	CollectedAt time.Time `json:"collected_at"`
}

// UnmarshalJSON accepts collected_at as an RFC 3339 string or as unix
// milliseconds.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var raw struct {
		Metric      string          `json:"metric"`
		Value       float64         `json:"value"`
		CollectedAt json.RawMessage `json:"collected_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Metric, s.Value, s.CollectedAt = raw.Metric, raw.Value, time.Time{}
	if len(raw.CollectedAt) == 0 || string(raw.CollectedAt) == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw.CollectedAt, &v); err != nil {
		return fmt.Errorf("collected_at: %w", err)
	}
	t, err := ParseCollectedAt(v)
	if err != nil {
		return err
	}
	s.CollectedAt = t
	return nil
}

// Submission groups the samples collected for one caregiver.
type Submission struct {
	CaregiverKey string   `json:"caregiver_key"`
	Samples      []Sample `json:"metrics"`
}

// ParseCollectedAt converts a decoded timestamp into a time.Time. Strings are
// parsed as RFC 3339; numbers are unix milliseconds.
func ParseCollectedAt(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("collected_at: %q is not an RFC 3339 timestamp", t)
		}
		return ts, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, fmt.Errorf("collected_at: %v is not a valid unix timestamp", t)
		}
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("collected_at: unsupported type %T", v)
	}
}
