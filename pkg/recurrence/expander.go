package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	defaultMaxWindow      = 732 * 24 * time.Hour
	defaultMaxOccurrences = 5000
)

// Occurrence is one concrete instantiation of a possibly-recurring event.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Expander expands recurrence specs into bounded occurrence sets. The caps
// guard against pathological rules (e.g. sub-minute intervals over multi-year
// windows); hitting a cap fails with ErrBoundsExceeded instead of silently
// truncating.
type Expander struct {
	// MaxWindow bounds windowEnd - windowStart for a single expansion.
	MaxWindow time.Duration
	// MaxOccurrences bounds how many candidates the rule may generate,
	// counted from the rule's origin, not just within the window.
	MaxOccurrences int
}

func NewExpander(maxWindow time.Duration, maxOccurrences int) *Expander {
	if maxWindow <= 0 {
		maxWindow = defaultMaxWindow
	}
	if maxOccurrences <= 0 {
		maxOccurrences = defaultMaxOccurrences
	}
	return &Expander{MaxWindow: maxWindow, MaxOccurrences: maxOccurrences}
}

// Expand generates the occurrences of an event within [windowStart, windowEnd].
//
// start and end are the event's stored start/end instants; end - start is the
// duration applied to every candidate. A nil spec is treated as a rule with a
// single occurrence at the stored start, so callers never branch on
// recurring-vs-not. Candidates before windowStart are discarded, candidates
// matching an exception instant (compared in UTC) are suppressed, and results
// are produced in strictly increasing chronological order. Calling Expand twice
// with identical arguments yields an identical sequence.
func (e *Expander) Expand(spec *Spec, start, end time.Time, windowStart, windowEnd time.Time) ([]Occurrence, error) {
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidWindow, windowEnd, windowStart)
	}
	if windowEnd.Sub(windowStart) > e.MaxWindow {
		return nil, fmt.Errorf("%w: window span %s exceeds %s", ErrBoundsExceeded, windowEnd.Sub(windowStart), e.MaxWindow)
	}

	windowStart = windowStart.UTC()
	windowEnd = windowEnd.UTC()
	origin := start.UTC().Truncate(time.Second)
	duration := end.Sub(start)

	if spec == nil {
		if origin.Before(windowStart) || origin.After(windowEnd) {
			return nil, nil
		}
		return []Occurrence{{Start: origin, End: origin.Add(duration)}}, nil
	}

	r, err := rrule.StrToRRule(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	r.DTStart(origin)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range spec.NormalizedExceptions() {
		set.ExDate(ex)
	}

	occurrences := make([]Occurrence, 0, 8)
	generated := 0
	next := set.Iterator()
	for {
		candidate, ok := next()
		if !ok {
			break
		}
		generated++
		if generated > e.MaxOccurrences {
			return nil, fmt.Errorf("%w: rule generated more than %d candidates", ErrBoundsExceeded, e.MaxOccurrences)
		}
		if candidate.After(windowEnd) {
			break
		}
		if candidate.Before(windowStart) {
			continue
		}
		candidate = candidate.UTC()
		occurrences = append(occurrences, Occurrence{Start: candidate, End: candidate.Add(duration)})
	}

	return occurrences, nil
}
