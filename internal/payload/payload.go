// Package payload maps the persisted proposal payload shapes to and from
// the normalized snapshot form the diff and review engines operate on.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Scope identifies which part of an entity a proposal edits.
type Scope string

const (
	ScopeArticle     Scope = "article"
	ScopeCard        Scope = "card"
	ScopeCardArticle Scope = "card_article"
	ScopeSource      Scope = "source"

	// Older proposals were stored with scope "description"; they carry a
	// plain markdown payload and normalize to ScopeArticle.
	legacyScopeDescription = "description"
)

// Canonical field paths shared by the codec, the snapshot builder and the
// diff engine.
const (
	FieldName     = "name"
	FieldTitle    = "title"
	FieldTags     = "tags"
	FieldImageURL = "image_url"
	FieldArticle  = "article.markdown"

	FieldCardName     = "card.name"
	FieldCardTitle    = "card.title"
	FieldCardTags     = "card.tags"
	FieldCardImageURL = "card.image_url"

	FieldSourceSlug        = "source.slug"
	FieldSourceName        = "source.name"
	FieldSourceDescription = "source.description_markdown"
	FieldSourceCoverMedia  = "source.cover_media_url"
	FieldSourceTags        = "source.tags"
)

// ErrMalformedPayload reports a raw payload that is not valid for its scope.
var ErrMalformedPayload = errors.New("malformed payload")

// NormalizeScope lower-cases and trims a stored scope value and folds the
// legacy "description" scope into "article". Unknown values fall back to
// article, matching how historical rows are read.
func NormalizeScope(value string) Scope {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ScopeCard):
		return ScopeCard
	case string(ScopeCardArticle):
		return ScopeCardArticle
	case string(ScopeSource):
		return ScopeSource
	case string(ScopeArticle), legacyScopeDescription:
		return ScopeArticle
	default:
		return ScopeArticle
	}
}

// Kind discriminates the two value shapes a field path can hold.
type Kind int

const (
	KindText Kind = iota
	KindTags
)

// Value is a single field value in a snapshot: either an opaque text blob
// or an ordered-unique tag collection.
type Value struct {
	Kind Kind
	Text string
	Tags []string
}

// TextValue wraps a scalar or markdown field.
func TextValue(text string) Value {
	return Value{Kind: KindText, Text: text}
}

// TagsValue wraps a tag list, normalizing it on the way in.
func TagsValue(tags []string) Value {
	return Value{Kind: KindTags, Tags: NormalizeTags(tags)}
}

// Snapshot is the normalized field-path to value view of an entity or
// payload at a point in time. It is never persisted directly.
type Snapshot map[string]Value

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for path, value := range s {
		if value.Kind == KindTags {
			value.Tags = append([]string(nil), value.Tags...)
		}
		out[path] = value
	}
	return out
}

// Paths returns the canonical field-path universe for a scope, in a stable
// order.
func Paths(scope Scope) []string {
	switch NormalizeScope(string(scope)) {
	case ScopeCard:
		return []string{FieldName, FieldTitle, FieldTags, FieldImageURL}
	case ScopeCardArticle:
		return []string{FieldCardName, FieldCardTitle, FieldCardTags, FieldCardImageURL, FieldArticle}
	case ScopeSource:
		return []string{FieldSourceSlug, FieldSourceName, FieldSourceDescription, FieldSourceCoverMedia, FieldSourceTags}
	default:
		return []string{FieldArticle}
	}
}

// NormalizeTag lower-cases and trims a single tag.
func NormalizeTag(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeTags normalizes every tag and collapses case-insensitive
// duplicates, keeping first-seen order. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		normalized := NormalizeTag(tag)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// sortedTags is NormalizeTags plus a sort; source snapshots store their tag
// set sorted so serialized payloads compare bytewise.
func sortedTags(tags []string) []string {
	out := NormalizeTags(tags)
	sort.Strings(out)
	return out
}

// Wire shapes. Field order is alphabetical so json.Marshal emits the same
// key order the original payloads were stored with (compact, sorted keys).

type cardPayload struct {
	ImageURL string   `json:"image_url"`
	Name     string   `json:"name"`
	Tags     []string `json:"tags"`
	Title    string   `json:"title"`
}

type cardArticlePayload struct {
	Article string      `json:"article"`
	Card    cardPayload `json:"card"`
}

type sourceFields struct {
	CoverMediaURL       string   `json:"cover_media_url"`
	DescriptionMarkdown string   `json:"description_markdown"`
	Name                string   `json:"name"`
	Slug                string   `json:"slug"`
	Tags                []string `json:"tags"`
}

type sourcePayload struct {
	Source sourceFields `json:"source"`
}

// cardWire is the lenient decode shape: pointers so we can tell a missing
// key from an empty one, and a legacy "bucket" alias for title.
type cardWire struct {
	Name     *string  `json:"name"`
	Title    *string  `json:"title"`
	Bucket   *string  `json:"bucket"`
	Tags     []string `json:"tags"`
	ImageURL *string  `json:"image_url"`
}

type cardArticleWire struct {
	Card    *cardWire `json:"card"`
	Article *string   `json:"article"`
}

type sourceWire struct {
	Source *struct {
		Slug                *string  `json:"slug"`
		Name                *string  `json:"name"`
		DescriptionMarkdown *string  `json:"description_markdown"`
		CoverMediaURL       *string  `json:"cover_media_url"`
		Tags                []string `json:"tags"`
	} `json:"source"`
}

// Decode parses a raw persisted payload for a scope into a Snapshot.
// It fails with ErrMalformedPayload when the raw bytes are not valid for
// the scope. Decoding is pure: no side effects, no store access.
func Decode(scope Scope, raw string) (Snapshot, error) {
	switch NormalizeScope(string(scope)) {
	case ScopeCard:
		wire, err := decodeCardObject(raw)
		if err != nil {
			return nil, err
		}
		return Snapshot{
			FieldName:     TextValue(strings.TrimSpace(deref(wire.Name))),
			FieldTitle:    TextValue(strings.TrimSpace(firstNonBlank(deref(wire.Title), deref(wire.Bucket)))),
			FieldTags:     TagsValue(wire.Tags),
			FieldImageURL: TextValue(strings.TrimSpace(deref(wire.ImageURL))),
		}, nil

	case ScopeCardArticle:
		var wire cardArticleWire
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return nil, fmt.Errorf("%w: card_article payload: %v", ErrMalformedPayload, err)
		}
		if wire.Card == nil || wire.Article == nil {
			return nil, fmt.Errorf("%w: card_article payload needs card and article keys", ErrMalformedPayload)
		}
		return Snapshot{
			FieldCardName:     TextValue(strings.TrimSpace(deref(wire.Card.Name))),
			FieldCardTitle:    TextValue(strings.TrimSpace(firstNonBlank(deref(wire.Card.Title), deref(wire.Card.Bucket)))),
			FieldCardTags:     TagsValue(wire.Card.Tags),
			FieldCardImageURL: TextValue(strings.TrimSpace(deref(wire.Card.ImageURL))),
			FieldArticle:      TextValue(*wire.Article),
		}, nil

	case ScopeSource:
		var wire sourceWire
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return nil, fmt.Errorf("%w: source payload: %v", ErrMalformedPayload, err)
		}
		if wire.Source == nil {
			return nil, fmt.Errorf("%w: source payload needs a source key", ErrMalformedPayload)
		}
		src := wire.Source
		return Snapshot{
			FieldSourceSlug:        TextValue(strings.ToLower(strings.TrimSpace(deref(src.Slug)))),
			FieldSourceName:        TextValue(strings.TrimSpace(deref(src.Name))),
			FieldSourceDescription: TextValue(deref(src.DescriptionMarkdown)),
			FieldSourceCoverMedia:  TextValue(strings.TrimSpace(deref(src.CoverMediaURL))),
			FieldSourceTags:        Value{Kind: KindTags, Tags: sortedTags(src.Tags)},
		}, nil

	default:
		// Article payloads are the raw markdown itself.
		return Snapshot{FieldArticle: TextValue(raw)}, nil
	}
}

func decodeCardObject(raw string) (*cardWire, error) {
	var wire cardWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("%w: card payload: %v", ErrMalformedPayload, err)
	}
	if wire.Name == nil && wire.Title == nil && wire.Bucket == nil && wire.Tags == nil && wire.ImageURL == nil {
		return nil, fmt.Errorf("%w: card payload needs at least one of name, title, tags, image_url", ErrMalformedPayload)
	}
	return &wire, nil
}

// Encode serializes a Snapshot back into the persisted payload shape for a
// scope. Encode is the exact inverse of Decode for snapshots Decode
// produced: decode(encode(x)) == x.
func Encode(scope Scope, snapshot Snapshot) (string, error) {
	switch NormalizeScope(string(scope)) {
	case ScopeCard:
		return marshalCompact(cardPayload{
			ImageURL: strings.TrimSpace(snapshot.text(FieldImageURL)),
			Name:     strings.TrimSpace(snapshot.text(FieldName)),
			Tags:     NormalizeTags(snapshot.tags(FieldTags)),
			Title:    strings.TrimSpace(snapshot.text(FieldTitle)),
		})

	case ScopeCardArticle:
		return marshalCompact(cardArticlePayload{
			Article: snapshot.text(FieldArticle),
			Card: cardPayload{
				ImageURL: strings.TrimSpace(snapshot.text(FieldCardImageURL)),
				Name:     strings.TrimSpace(snapshot.text(FieldCardName)),
				Tags:     NormalizeTags(snapshot.tags(FieldCardTags)),
				Title:    strings.TrimSpace(snapshot.text(FieldCardTitle)),
			},
		})

	case ScopeSource:
		return marshalCompact(sourcePayload{
			Source: sourceFields{
				CoverMediaURL:       strings.TrimSpace(snapshot.text(FieldSourceCoverMedia)),
				DescriptionMarkdown: snapshot.text(FieldSourceDescription),
				Name:                strings.TrimSpace(snapshot.text(FieldSourceName)),
				Slug:                strings.ToLower(strings.TrimSpace(snapshot.text(FieldSourceSlug))),
				Tags:                sortedTags(snapshot.tags(FieldSourceTags)),
			},
		})

	default:
		return snapshot.text(FieldArticle), nil
	}
}

func marshalCompact(payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(encoded), nil
}

func (s Snapshot) text(path string) string {
	return s[path].Text
}

func (s Snapshot) tags(path string) []string {
	tags := s[path].Tags
	if tags == nil {
		return []string{}
	}
	return tags
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
