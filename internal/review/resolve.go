// Package review merges the drift and intent change-sets of a proposal
// into a conflict report and assembles the reviewer's merged result.
package review

import (
	"errors"
	"fmt"
	"sort"

	"thelist/api/internal/diff"
	"thelist/api/internal/payload"
)

// Resolution is the reviewer's per-field source selection.
type Resolution string

const (
	ResolutionUnset    Resolution = ""
	ResolutionBase     Resolution = "base"
	ResolutionCurrent  Resolution = "current"
	ResolutionProposed Resolution = "proposed"
)

var (
	// ErrUnresolvedConflict reports an attempt to merge while a conflicted
	// field still has no resolution. Recoverable: prompt the reviewer.
	ErrUnresolvedConflict = errors.New("unresolved conflict")

	// ErrUnknownField reports a resolution for a field the report does not
	// track.
	ErrUnknownField = errors.New("field not under review")
)

// ParseResolution validates a stored or submitted resolution value.
func ParseResolution(value string) (Resolution, error) {
	switch Resolution(value) {
	case ResolutionBase, ResolutionCurrent, ResolutionProposed:
		return Resolution(value), nil
	default:
		return ResolutionUnset, fmt.Errorf("invalid resolution %q", value)
	}
}

// FieldReport is one field-path's three-way comparison.
type FieldReport struct {
	Path       string
	Base       payload.Value
	Current    payload.Value
	Proposed   payload.Value
	Conflicted bool
	Resolution Resolution
}

// Report is the transient result of resolving a proposal against the live
// record: every field touched by drift or intent, classified.
type Report struct {
	fields []*FieldReport
	index  map[string]*FieldReport
}

// Resolve computes drift (base→current) and intent (base→proposed) and
// merges them per field:
//
//	only intent touched it    → keep proposed, no conflict
//	only drift touched it     → keep current, no conflict
//	both, same end value      → keep proposed, no conflict
//	both, different end value → conflicted, reviewer must choose
func Resolve(base, current, proposed payload.Snapshot) (*Report, error) {
	drift, err := diff.Diff(base, current)
	if err != nil {
		return nil, err
	}
	intent, err := diff.Diff(base, proposed)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(drift)+len(intent))
	seen := make(map[string]struct{}, len(drift)+len(intent))
	for _, change := range drift {
		paths = append(paths, change.Path)
		seen[change.Path] = struct{}{}
	}
	for _, change := range intent {
		if _, ok := seen[change.Path]; !ok {
			paths = append(paths, change.Path)
		}
	}
	sort.Strings(paths)

	report := &Report{index: make(map[string]*FieldReport, len(paths))}
	for _, path := range paths {
		driftChange, drifted := drift.Lookup(path)
		intentChange, intended := intent.Lookup(path)

		field := &FieldReport{Path: path}
		switch {
		case drifted && intended:
			field.Base = driftChange.Left
			field.Current = driftChange.Right
			field.Proposed = intentChange.Right
			if diff.Equal(driftChange.Right, intentChange.Right) {
				// Both sides landed on the same end state independently.
				field.Resolution = ResolutionProposed
			} else {
				field.Conflicted = true
			}
		case drifted:
			field.Base = driftChange.Left
			field.Current = driftChange.Right
			field.Proposed = driftChange.Left
			field.Resolution = ResolutionCurrent
		default:
			field.Base = intentChange.Left
			field.Current = intentChange.Left
			field.Proposed = intentChange.Right
			field.Resolution = ResolutionProposed
		}
		report.fields = append(report.fields, field)
		report.index[path] = field
	}
	return report, nil
}

// Fields returns the report's fields ordered by path.
func (r *Report) Fields() []*FieldReport {
	return r.fields
}

// Field looks up one field-path's report.
func (r *Report) Field(path string) (*FieldReport, bool) {
	field, ok := r.index[path]
	return field, ok
}

// Clean reports whether no field is conflicted. Clean proposals may be
// applied without per-field reviewer interaction.
func (r *Report) Clean() bool {
	for _, field := range r.fields {
		if field.Conflicted {
			return false
		}
	}
	return true
}

// Unresolved returns the paths of conflicted fields still awaiting a
// reviewer selection.
func (r *Report) Unresolved() []string {
	var paths []string
	for _, field := range r.fields {
		if field.Conflicted && field.Resolution == ResolutionUnset {
			paths = append(paths, field.Path)
		}
	}
	return paths
}

// SetResolution records the reviewer's selection for one field. Any
// tracked field may be overridden, not just conflicted ones.
func (r *Report) SetResolution(path string, resolution Resolution) error {
	field, ok := r.index[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	if _, err := ParseResolution(string(resolution)); err != nil {
		return err
	}
	field.Resolution = resolution
	return nil
}

// Merged assembles the final snapshot: the live current state overlaid
// with each field's selected value. Fails with ErrUnresolvedConflict if
// any conflicted field has no resolution.
func (r *Report) Merged(current payload.Snapshot) (payload.Snapshot, error) {
	if unresolved := r.Unresolved(); len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedConflict, unresolved)
	}
	merged := current.Clone()
	for _, field := range r.fields {
		switch field.Resolution {
		case ResolutionBase:
			merged[field.Path] = field.Base
		case ResolutionCurrent:
			merged[field.Path] = field.Current
		case ResolutionProposed:
			merged[field.Path] = field.Proposed
		default:
			// Non-conflicted fields always carry a default resolution.
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedConflict, field.Path)
		}
	}
	return merged, nil
}
