package payload

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeScope(t *testing.T) {
	cases := []struct {
		in   string
		want Scope
	}{
		{"card", ScopeCard},
		{" CARD ", ScopeCard},
		{"card_article", ScopeCardArticle},
		{"source", ScopeSource},
		{"article", ScopeArticle},
		{"description", ScopeArticle},
		{"", ScopeArticle},
		{"bogus", ScopeArticle},
	}
	for _, tc := range cases {
		if got := NormalizeScope(tc.in); got != tc.want {
			t.Errorf("NormalizeScope(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Banker ", "banker", "PILOT", "", "  ", "Banker"})
	want := []string{"banker", "pilot"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
}

func TestNormalizeTagsIdempotent(t *testing.T) {
	once := NormalizeTags([]string{"Alpha", "beta", "ALPHA"})
	twice := NormalizeTags(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("normalization not idempotent: %v then %v", once, twice)
	}
}

func TestDecodeCard(t *testing.T) {
	raw := `{"image_url":"https://cdn.example/a.png","name":" Alice ","tags":["Banker","banker","Pilot"],"title":"Financier"}`
	snapshot, err := Decode(ScopeCard, raw)
	if err != nil {
		t.Fatalf("Decode card: %v", err)
	}
	if got := snapshot[FieldName].Text; got != "Alice" {
		t.Errorf("name = %q, want Alice", got)
	}
	if got := snapshot[FieldTags].Tags; !reflect.DeepEqual(got, []string{"banker", "pilot"}) {
		t.Errorf("tags = %v", got)
	}
	if got := snapshot[FieldImageURL].Text; got != "https://cdn.example/a.png" {
		t.Errorf("image_url = %q", got)
	}
}

func TestDecodeCardBucketAlias(t *testing.T) {
	snapshot, err := Decode(ScopeCard, `{"name":"Alice","bucket":"Financier"}`)
	if err != nil {
		t.Fatalf("Decode card: %v", err)
	}
	if got := snapshot[FieldTitle].Text; got != "Financier" {
		t.Errorf("title = %q, want bucket fallback", got)
	}
}

func TestDecodeCardMalformed(t *testing.T) {
	for _, raw := range []string{"not json", `[]`, `{}`, `{"other":1}`, `{"tags":"oops"}`} {
		if _, err := Decode(ScopeCard, raw); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(card, %q) error = %v, want ErrMalformedPayload", raw, err)
		}
	}
}

func TestDecodeArticlePassesMarkdownThrough(t *testing.T) {
	markdown := "# Heading\n\nBody with {\"not\":\"json\"} braces.\n"
	snapshot, err := Decode(ScopeArticle, markdown)
	if err != nil {
		t.Fatalf("Decode article: %v", err)
	}
	if got := snapshot[FieldArticle].Text; got != markdown {
		t.Errorf("article.markdown = %q", got)
	}
}

func TestDecodeCardArticle(t *testing.T) {
	raw := `{"article":"# Alice\n","card":{"image_url":"","name":"Alice","tags":["banker"],"title":"Financier"}}`
	snapshot, err := Decode(ScopeCardArticle, raw)
	if err != nil {
		t.Fatalf("Decode card_article: %v", err)
	}
	if got := snapshot[FieldCardName].Text; got != "Alice" {
		t.Errorf("card.name = %q", got)
	}
	if got := snapshot[FieldArticle].Text; got != "# Alice\n" {
		t.Errorf("article.markdown = %q", got)
	}
	if _, err := Decode(ScopeCardArticle, `{"card":{}}`); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("missing article key: err = %v", err)
	}
}

func TestDecodeSource(t *testing.T) {
	raw := `{"source":{"cover_media_url":"","description_markdown":"Court filings.","name":"Flight Logs","slug":"flight-logs","tags":["zeta","alpha","Zeta"]}}`
	snapshot, err := Decode(ScopeSource, raw)
	if err != nil {
		t.Fatalf("Decode source: %v", err)
	}
	if got := snapshot[FieldSourceTags].Tags; !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("source tags = %v, want sorted unique", got)
	}
	if _, err := Decode(ScopeSource, `{"files":[]}`); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("missing source key: err = %v", err)
	}
}

func TestRoundTripAllScopes(t *testing.T) {
	cases := []struct {
		scope Scope
		raw   string
	}{
		{ScopeArticle, "# Heading\n\nParagraph.\n"},
		{ScopeCard, `{"image_url":"https://cdn.example/a.png","name":"Alice","tags":["banker","pilot"],"title":"Financier"}`},
		{ScopeCardArticle, `{"article":"# Alice\n","card":{"image_url":"","name":"Alice","tags":["banker"],"title":"Financier"}}`},
		{ScopeSource, `{"source":{"cover_media_url":"","description_markdown":"Notes.","name":"Flight Logs","slug":"flight-logs","tags":["alpha","zeta"]}}`},
	}
	for _, tc := range cases {
		snapshot, err := Decode(tc.scope, tc.raw)
		if err != nil {
			t.Fatalf("Decode(%s): %v", tc.scope, err)
		}
		encoded, err := Encode(tc.scope, snapshot)
		if err != nil {
			t.Fatalf("Encode(%s): %v", tc.scope, err)
		}
		if encoded != tc.raw {
			t.Errorf("encode(%s) = %s, want %s", tc.scope, encoded, tc.raw)
		}
		again, err := Decode(tc.scope, encoded)
		if err != nil {
			t.Fatalf("re-Decode(%s): %v", tc.scope, err)
		}
		if !reflect.DeepEqual(again, snapshot) {
			t.Errorf("decode(encode(x)) != x for scope %s", tc.scope)
		}
	}
}

func TestPathsCoverEveryScope(t *testing.T) {
	for _, scope := range []Scope{ScopeArticle, ScopeCard, ScopeCardArticle, ScopeSource} {
		paths := Paths(scope)
		if len(paths) == 0 {
			t.Fatalf("Paths(%s) empty", scope)
		}
		snapshot, err := Decode(scope, sampleRaw(scope))
		if err != nil {
			t.Fatalf("Decode(%s): %v", scope, err)
		}
		for _, path := range paths {
			if _, ok := snapshot[path]; !ok {
				t.Errorf("scope %s: decoded snapshot missing path %s", scope, path)
			}
		}
	}
}

func sampleRaw(scope Scope) string {
	switch scope {
	case ScopeCard:
		return `{"name":"Alice"}`
	case ScopeCardArticle:
		return `{"article":"","card":{"name":"Alice"}}`
	case ScopeSource:
		return `{"source":{"name":"Flight Logs"}}`
	default:
		return "# md"
	}
}
