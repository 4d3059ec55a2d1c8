package store

import (
	"context"
	"strings"
	"sync"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// StaticPreferences is an in-memory preference table, usually seeded from
// configuration.
type StaticPreferences struct {
	mu    sync.RWMutex
	prefs map[string]nudge.Preference
}

// NewStaticPreferences returns a table holding seed. Later entries for the
// same caregiver replace earlier ones.
func NewStaticPreferences(seed []nudge.Preference) *StaticPreferences {
	s := &StaticPreferences{prefs: make(map[string]nudge.Preference, len(seed))}
	for _, p := range seed {
		s.prefs[p.CaregiverKey] = p
	}
	return s
}

// Preference returns a copy of the caregiver's record or a
// *nudge.PreferenceNotFoundError.
func (s *StaticPreferences) Preference(_ context.Context, key string) (*nudge.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[key]
	if !ok {
		return nil, &nudge.PreferenceNotFoundError{CaregiverKey: key}
	}
	return &p, nil
}

// PutPreference inserts or replaces p.
func (s *StaticPreferences) PutPreference(_ context.Context, p nudge.Preference) error {
	if strings.TrimSpace(p.CaregiverKey) == "" {
		return &nudge.ValidationError{Field: "caregiver_key", Reason: "must not be empty"}
	}
	s.mu.Lock()
	s.prefs[p.CaregiverKey] = p
	s.mu.Unlock()
	return nil
}

// Len returns the number of caregivers with a record.
func (s *StaticPreferences) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prefs)
}
