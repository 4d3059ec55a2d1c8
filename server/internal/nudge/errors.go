package nudge

import "fmt"

// ValidationError reports a malformed threshold definition or metric sample.
// Nothing is applied when one is returned.
type ValidationError struct {
	// Field names the offending field, prefixed with its position when the
	// input was a list, e.g. "thresholds[2].channel" or "samples[0].value".
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// PreferenceNotFoundError is returned when evaluation is requested for a
// caregiver with no preference record.
type PreferenceNotFoundError struct {
	CaregiverKey string
}

func (e *PreferenceNotFoundError) Error() string {
	return fmt.Sprintf("no preference found for caregiver %q", e.CaregiverKey)
}

// UnknownChannelError is returned for a channel outside EMAIL, PUSH, CHAT and
// IN_APP. Registry validation makes it unreachable for loaded thresholds.
type UnknownChannelError struct {
	Channel Channel
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown channel %q", string(e.Channel))
}

// SendError wraps a channel sender failure. The queue folds it into a
// SUPPRESSED outcome; it never reaches the enqueuing caller.
type SendError struct {
	Channel Channel
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel.Label(), e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// prefixField prepends an index path to a ValidationError's field.
func prefixField(err error, prefix string) error {
	if ve, ok := err.(*ValidationError); ok {
		return &ValidationError{Field: prefix + "." + ve.Field, Reason: ve.Reason}
	}
	return err
}
