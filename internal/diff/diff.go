// Package diff computes structural change-sets between normalized
// snapshots. Comparison is pure: the engine never touches stores.
package diff

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"thelist/api/internal/payload"
)

// ErrInvariantViolation reports a programmer error: the two snapshots do
// not share a field-path universe (same path, different kinds). It is not
// a recoverable condition.
var ErrInvariantViolation = errors.New("field-path universe mismatch")

// Change records one differing field between two snapshots.
type Change struct {
	Path  string
	Left  payload.Value
	Right payload.Value
}

// ChangeSet is an ordered list of field changes, sorted by path.
type ChangeSet []Change

// Lookup returns the change for a path, if any.
func (c ChangeSet) Lookup(path string) (Change, bool) {
	for _, change := range c {
		if change.Path == path {
			return change, true
		}
	}
	return Change{}, false
}

// Diff compares two snapshots field by field and returns a change for
// every path where the values differ. A path present on only one side is
// compared against the empty default of its kind.
func Diff(left, right payload.Snapshot) (ChangeSet, error) {
	paths := make([]string, 0, len(left)+len(right))
	seen := make(map[string]struct{}, len(left)+len(right))
	for path := range left {
		paths = append(paths, path)
		seen[path] = struct{}{}
	}
	for path := range right {
		if _, ok := seen[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var changes ChangeSet
	for _, path := range paths {
		leftValue, rightValue, err := alignedValues(path, left, right)
		if err != nil {
			return nil, err
		}
		if !Equal(leftValue, rightValue) {
			changes = append(changes, Change{Path: path, Left: leftValue, Right: rightValue})
		}
	}
	return changes, nil
}

func alignedValues(path string, left, right payload.Snapshot) (payload.Value, payload.Value, error) {
	leftValue, leftOK := left[path]
	rightValue, rightOK := right[path]
	switch {
	case leftOK && rightOK:
		if leftValue.Kind != rightValue.Kind {
			return payload.Value{}, payload.Value{}, fmt.Errorf("%w: %s held as both text and tags", ErrInvariantViolation, path)
		}
	case leftOK:
		rightValue = emptyOfKind(leftValue.Kind)
	default:
		leftValue = emptyOfKind(rightValue.Kind)
	}
	return leftValue, rightValue, nil
}

func emptyOfKind(kind payload.Kind) payload.Value {
	if kind == payload.KindTags {
		return payload.Value{Kind: payload.KindTags, Tags: []string{}}
	}
	return payload.Value{Kind: payload.KindText}
}

// Equal applies the per-kind equality rules: tags compare as sets
// (order-independent), text compares trimmed with line endings normalized
// so CRLF round-trips through editors do not register as edits.
func Equal(left, right payload.Value) bool {
	if left.Kind != right.Kind {
		return false
	}
	if left.Kind == payload.KindTags {
		return tagSetEqual(left.Tags, right.Tags)
	}
	return canonicalText(left.Text) == canonicalText(right.Text)
}

func tagSetEqual(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	set := make(map[string]struct{}, len(left))
	for _, tag := range left {
		set[tag] = struct{}{}
	}
	for _, tag := range right {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}

func canonicalText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}
