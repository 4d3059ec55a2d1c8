package nudge

// Decision is the Gate's verdict for one job.
type Decision struct {
	Deliverable bool
	// Reason is the outcome detail to record when Deliverable is false.
	Reason string
}

// IsEnabled reports whether pref permits delivery on ch. IN_APP is always on.
func IsEnabled(pref Preference, ch Channel) (bool, error) {
	switch ch {
	case ChannelEmail:
		return pref.OptInEmail, nil
	case ChannelPush:
		return pref.OptInPush, nil
	case ChannelChat:
		return pref.OptInChat, nil
	case ChannelInApp:
		return true, nil
	default:
		return false, &UnknownChannelError{Channel: ch}
	}
}

// Gate decides whether job may be delivered under pref. It performs no I/O.
func Gate(pref Preference, job Job) (Decision, error) {
	ok, err := IsEnabled(pref, job.Channel)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Reason: job.Channel.Label() + " delivery suppressed (opt-out)"}, nil
	}
	return Decision{Deliverable: true}, nil
}
