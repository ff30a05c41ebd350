// Package secrets holds rotating shared secrets, such as the bearer tokens
// accepted by the control API.
package secrets

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidSecret = errors.New("invalid secret")

// Version is one secret value with a validity window. ValidFrom is
// inclusive. ValidUntil is exclusive; zero means no end.
type Version struct {
	ID         string
	Value      []byte
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (v Version) IsValidAt(t time.Time) bool {
	if v.ValidFrom.IsZero() || t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidUntil.IsZero() || t.Before(v.ValidUntil)
}

// Static returns a version that is always valid.
func Static(id string, value []byte) Version {
	return Version{ID: id, Value: value, ValidFrom: time.Unix(0, 0).UTC()}
}

type Set struct {
	Versions []Version
}

func (s Set) Validate() error {
	if len(s.Versions) == 0 {
		return fmt.Errorf("%w: empty set", ErrInvalidSecret)
	}

	seen := make(map[string]struct{}, len(s.Versions))
	for i, v := range s.Versions {
		if v.ID == "" {
			return fmt.Errorf("%w: versions[%d].id is empty", ErrInvalidSecret, i)
		}
		if _, ok := seen[v.ID]; ok {
			return fmt.Errorf("%w: duplicate secret id %q", ErrInvalidSecret, v.ID)
		}
		seen[v.ID] = struct{}{}

		if len(v.Value) == 0 {
			return fmt.Errorf("%w: versions[%d].value is empty", ErrInvalidSecret, i)
		}
		if v.ValidFrom.IsZero() {
			return fmt.Errorf("%w: versions[%d].valid_from is missing", ErrInvalidSecret, i)
		}
		if !v.ValidUntil.IsZero() && !v.ValidUntil.After(v.ValidFrom) {
			return fmt.Errorf("%w: versions[%d].valid_until must be after valid_from", ErrInvalidSecret, i)
		}
	}
	return nil
}

// ValidAt returns the versions valid at t, newest ValidFrom first.
func (s Set) ValidAt(t time.Time) []Version {
	out := make([]Version, 0, len(s.Versions))
	for _, v := range s.Versions {
		if v.IsValidAt(t) {
			out = append(out, v)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidFrom.After(out[j].ValidFrom)
	})
	return out
}

// Match reports the ID of the version valid at t whose value equals
// candidate. Comparison is constant time per version.
func (s Set) Match(candidate []byte, t time.Time) (string, bool) {
	matched := ""
	for _, v := range s.ValidAt(t) {
		if subtle.ConstantTimeCompare(candidate, v.Value) == 1 && matched == "" {
			matched = v.ID
		}
	}
	return matched, matched != ""
}
