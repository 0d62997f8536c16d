package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

var (
	// ErrInvalidSpec marks a malformed recurrence rule.
	ErrInvalidSpec = errors.New("invalid recurrence specification")
	// ErrBoundsExceeded marks an expansion that would exceed the configured
	// window or candidate caps. Expansion fails rather than truncating.
	ErrBoundsExceeded = errors.New("recurrence expansion bounds exceeded")
	// ErrInvalidWindow marks a window whose end is not after its start.
	ErrInvalidWindow = errors.New("invalid expansion window")
)

// Spec is a recurrence rule in RRULE form (e.g. "FREQ=WEEKLY;COUNT=4") plus a
// set of exception instants to suppress. It is a pure value type; a nil *Spec
// means the event does not recur.
type Spec struct {
	Pattern    string
	Exceptions []time.Time
}

// Validate checks that the pattern parses as an RRULE.
func (s *Spec) Validate() error {
	if s.Pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidSpec)
	}
	if _, err := rrule.StrToRRule(s.Pattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

// NormalizedExceptions returns the exception instants converted to UTC,
// truncated to second precision and sorted ascending. Exception matching is
// done on these normalized instants so it never depends on the caller's zone.
func (s *Spec) NormalizedExceptions() []time.Time {
	if len(s.Exceptions) == 0 {
		return nil
	}
	out := make([]time.Time, len(s.Exceptions))
	for i, ex := range s.Exceptions {
		out[i] = ex.UTC().Truncate(time.Second)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Equal compares two specs structurally. Exception sets are compared
// order-insensitively.
func (s *Spec) Equal(other *Spec) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Pattern != other.Pattern {
		return false
	}
	a := s.NormalizedExceptions()
	b := other.NormalizedExceptions()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
