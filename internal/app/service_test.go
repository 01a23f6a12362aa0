package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"thelist/api/internal/config"
	"thelist/api/internal/search"
	"thelist/api/internal/store"
)

// --- in-memory fakes ---

type fakeStore struct {
	users     map[string]store.User
	entities  map[string]store.Entity
	articles  map[string]store.Article
	sources   map[string]store.Source
	proposals map[string]store.Proposal
	events    []store.ChangeEvent

	failEntityWrite  bool
	forceResolveLost bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]store.User{},
		entities:  map[string]store.Entity{},
		articles:  map[string]store.Article{},
		sources:   map[string]store.Source{},
		proposals: map[string]store.Proposal{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Begin(context.Context) (txStore, error) {
	return &fakeTx{st: f}, nil
}

func (f *fakeStore) EnsureUserByUsername(_ context.Context, username string) (store.User, error) {
	for _, user := range f.users {
		if user.Username == username {
			return user, nil
		}
	}
	user := store.User{ID: "usr_" + username, Username: username, Privileges: []string{"base_user"}}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GrantPrivilege(_ context.Context, userID, privilege string) error {
	user := f.users[userID]
	user.Privileges = append(user.Privileges, privilege)
	f.users[userID] = user
	return nil
}

func (f *fakeStore) GetEntity(_ context.Context, entityID string) (store.Entity, error) {
	entity, ok := f.entities[entityID]
	if !ok {
		return store.Entity{}, store.ErrNotFound
	}
	entity.Tags = append([]string(nil), entity.Tags...)
	return entity, nil
}

func (f *fakeStore) ListEntities(_ context.Context, _ int) ([]store.Entity, error) {
	var out []store.Entity
	for _, entity := range f.entities {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) InsertEntity(_ context.Context, entity store.Entity) (string, error) {
	f.entities[entity.ID] = entity
	return entity.ID, nil
}

func (f *fakeStore) GetArticle(_ context.Context, entityID string) (store.Article, error) {
	article, ok := f.articles[entityID]
	if !ok {
		return store.Article{EntityID: entityID}, nil
	}
	return article, nil
}

func (f *fakeStore) GetSource(_ context.Context, sourceID string) (store.Source, error) {
	source, ok := f.sources[sourceID]
	if !ok {
		return store.Source{}, store.ErrNotFound
	}
	source.Tags = append([]string(nil), source.Tags...)
	return source, nil
}

func (f *fakeStore) GetSourceBySlug(_ context.Context, slug string) (store.Source, error) {
	for _, source := range f.sources {
		if source.Slug == slug {
			return source, nil
		}
	}
	return store.Source{}, store.ErrNotFound
}

func (f *fakeStore) ListSources(_ context.Context, _ int) ([]store.Source, error) {
	var out []store.Source
	for _, source := range f.sources {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) InsertSource(_ context.Context, source store.Source) (string, error) {
	f.sources[source.ID] = source
	return source.ID, nil
}

func (f *fakeStore) CreateProposal(_ context.Context, proposal store.Proposal) (string, error) {
	proposal.CreatedAt = time.Now()
	f.proposals[proposal.ID] = proposal
	return proposal.ID, nil
}

func (f *fakeStore) GetProposal(_ context.Context, proposalID string) (store.Proposal, error) {
	proposal, ok := f.proposals[proposalID]
	if !ok {
		return store.Proposal{}, store.ErrNotFound
	}
	return proposal, nil
}

func (f *fakeStore) ListProposals(_ context.Context, status string, _ int) ([]store.Proposal, error) {
	var out []store.Proposal
	for _, proposal := range f.proposals {
		if status == "" || proposal.Status == status {
			out = append(out, proposal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) HasPendingProposal(_ context.Context, targetKind, targetID, scope string) (bool, error) {
	for _, proposal := range f.proposals {
		if proposal.Status == store.ProposalPending &&
			proposal.TargetKind == targetKind && proposal.TargetID == targetID && proposal.Scope == scope {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AppendChangeEvent(_ context.Context, event store.ChangeEvent) error {
	event.ID = int64(len(f.events) + 1)
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) ListChangeEvents(_ context.Context, targetKind, targetID string, _ int) ([]store.ChangeEvent, error) {
	var out []store.ChangeEvent
	for _, event := range f.events {
		if event.TargetKind == targetKind && event.TargetID == targetID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAPIKey(_ context.Context, key store.APIKey) (string, error) {
	return key.ID, nil
}

func (f *fakeStore) GetAPIKey(context.Context, string) (store.APIKey, error) {
	return store.APIKey{}, store.ErrNotFound
}

func (f *fakeStore) TouchAPIKey(context.Context, string) error { return nil }

func (f *fakeStore) SummaryCounts(context.Context) (int, int, int, error) {
	pending := 0
	for _, proposal := range f.proposals {
		if proposal.Status == store.ProposalPending {
			pending++
		}
	}
	return len(f.entities), len(f.sources), pending, nil
}

// fakeTx buffers writes and applies them on Commit, so a failed step
// leaves the fake store untouched exactly like a rolled-back
// transaction would.
type fakeTx struct {
	st        *fakeStore
	entities  []store.Entity
	articles  []store.Article
	sources   []store.Source
	events    []store.ChangeEvent
	revoked   [][2]string
	resolved  *store.Proposal
	committed bool
}

func (t *fakeTx) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	return t.st.GetProposal(ctx, proposalID)
}

func (t *fakeTx) GetEntity(ctx context.Context, entityID string) (store.Entity, error) {
	return t.st.GetEntity(ctx, entityID)
}

func (t *fakeTx) GetArticle(ctx context.Context, entityID string) (store.Article, error) {
	return t.st.GetArticle(ctx, entityID)
}

func (t *fakeTx) GetSource(ctx context.Context, sourceID string) (store.Source, error) {
	return t.st.GetSource(ctx, sourceID)
}

func (t *fakeTx) WriteEntity(_ context.Context, entity store.Entity) error {
	if t.st.failEntityWrite {
		return errors.New("write failed")
	}
	t.entities = append(t.entities, entity)
	return nil
}

func (t *fakeTx) WriteArticle(_ context.Context, article store.Article) error {
	t.articles = append(t.articles, article)
	return nil
}

func (t *fakeTx) WriteSource(_ context.Context, source store.Source) error {
	t.sources = append(t.sources, source)
	return nil
}

func (t *fakeTx) ResolveProposal(_ context.Context, proposalID, status, resolvedBy, reviewNote string, reportTriggered bool) (bool, error) {
	if t.st.forceResolveLost {
		return false, nil
	}
	proposal, ok := t.st.proposals[proposalID]
	if !ok || proposal.Status != store.ProposalPending {
		return false, nil
	}
	now := time.Now()
	proposal.Status = status
	proposal.ResolvedBy = resolvedBy
	proposal.ResolvedAt = &now
	proposal.ReviewNote = reviewNote
	proposal.ReportTriggered = reportTriggered
	t.resolved = &proposal
	return true, nil
}

func (t *fakeTx) AppendChangeEvent(_ context.Context, event store.ChangeEvent) error {
	t.events = append(t.events, event)
	return nil
}

func (t *fakeTx) RevokePrivilege(_ context.Context, userID, privilege string) error {
	t.revoked = append(t.revoked, [2]string{userID, privilege})
	return nil
}

func (t *fakeTx) Commit() error {
	for _, entity := range t.entities {
		t.st.entities[entity.ID] = entity
	}
	for _, article := range t.articles {
		t.st.articles[article.EntityID] = article
	}
	for _, source := range t.sources {
		t.st.sources[source.ID] = source
	}
	if t.resolved != nil {
		t.st.proposals[t.resolved.ID] = *t.resolved
	}
	for _, pair := range t.revoked {
		user := t.st.users[pair[0]]
		kept := user.Privileges[:0]
		for _, privilege := range user.Privileges {
			if privilege != pair[1] {
				kept = append(kept, privilege)
			}
		}
		user.Privileges = kept
		t.st.users[pair[0]] = user
	}
	for _, event := range t.events {
		_ = t.st.AppendChangeEvent(context.Background(), event)
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error { return nil }

type fakeSessions struct {
	refresh     map[string]store.User
	resolutions map[string]map[string]string
	cleared     []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		refresh:     map[string]store.User{},
		resolutions: map[string]map[string]string{},
	}
}

func reviewKey(proposalID, reviewerID string) string {
	return proposalID + "|" + reviewerID
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.refresh[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, errors.New("no session")
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeSessions) SaveReviewResolution(_ context.Context, proposalID, reviewerID, fieldPath, resolution string) error {
	key := reviewKey(proposalID, reviewerID)
	if f.resolutions[key] == nil {
		f.resolutions[key] = map[string]string{}
	}
	f.resolutions[key][fieldPath] = resolution
	return nil
}

func (f *fakeSessions) ReviewResolutions(_ context.Context, proposalID, reviewerID string) (map[string]string, error) {
	out := map[string]string{}
	for path, value := range f.resolutions[reviewKey(proposalID, reviewerID)] {
		out[path] = value
	}
	return out, nil
}

func (f *fakeSessions) ClearReviewSession(_ context.Context, proposalID, reviewerID string) error {
	delete(f.resolutions, reviewKey(proposalID, reviewerID))
	return nil
}

func (f *fakeSessions) ClearProposalSessions(_ context.Context, proposalID string) error {
	for key := range f.resolutions {
		if strings.HasPrefix(key, proposalID+"|") {
			delete(f.resolutions, key)
		}
	}
	f.cleared = append(f.cleared, proposalID)
	return nil
}

type fakeSearch struct {
	entities  []string
	sources   []string
	lastQuery search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexEntity(record search.EntityRecord) {
	f.entities = append(f.entities, record.ID)
}

func (f *fakeSearch) IndexSource(record search.SourceRecord) {
	f.sources = append(f.sources, record.ID)
}

// --- test harness ---

type harness struct {
	service  *Service
	store    *fakeStore
	sessions *fakeSessions
	search   *fakeSearch

	proposer Session
	reviewer Session
	editor   Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := newFakeStore()
	fs.users["usr_prop"] = store.User{ID: "usr_prop", Username: "clara", Privileges: []string{"base_user"}}
	fs.users["usr_rev"] = store.User{ID: "usr_rev", Username: "victor", Privileges: []string{"base_user", "reviewer"}}
	fs.users["usr_edit"] = store.User{ID: "usr_edit", Username: "mina", Privileges: []string{"base_user", "editor"}}

	fs.entities["ent_1"] = store.Entity{
		ID:    "ent_1",
		Name:  "Marcus Aurelius",
		Title: "Emperor",
		Tags:  []string{"stoic"},
	}
	fs.articles["ent_1"] = store.Article{EntityID: "ent_1", Markdown: "# Meditations\n"}
	fs.sources["src_1"] = store.Source{
		ID:   "src_1",
		Slug: "historia-augusta",
		Name: "Historia Augusta",
		Tags: []string{"antiquity"},
	}

	sessions := newFakeSessions()
	idx := &fakeSearch{}
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Minute, RefreshTTL: time.Hour}

	return &harness{
		service:  newService(cfg, fs, sessions, idx, nil),
		store:    fs,
		sessions: sessions,
		search:   idx,
		proposer: Session{UserID: "usr_prop", UserName: "clara", Privileges: []string{"base_user"}},
		reviewer: Session{UserID: "usr_rev", UserName: "victor", Privileges: []string{"base_user", "reviewer"}},
		editor:   Session{UserID: "usr_edit", UserName: "mina", Privileges: []string{"base_user", "editor"}},
	}
}

func (h *harness) submitCard(t *testing.T, rawPayload string) string {
	t.Helper()
	result, err := h.service.SubmitProposal(context.Background(), h.proposer, SubmitProposalInput{
		TargetKind: store.TargetEntity,
		TargetID:   "ent_1",
		Scope:      "card",
		Payload:    rawPayload,
	})
	if err != nil {
		t.Fatalf("SubmitProposal: %v", err)
	}
	return result["id"].(string)
}

func wantDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("want DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("want code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

// --- tests ---

func TestSubmitProposalCapturesBase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	proposal := h.store.proposals[proposalID]
	if proposal.Status != store.ProposalPending {
		t.Fatalf("status = %s", proposal.Status)
	}
	if !strings.Contains(proposal.BasePayload, `"title":"Emperor"`) {
		t.Fatalf("base payload should freeze the live title, got %s", proposal.BasePayload)
	}
	if !strings.Contains(proposal.ProposedPayload, `"title":"Philosopher King"`) {
		t.Fatalf("proposed payload = %s", proposal.ProposedPayload)
	}

	events, _ := h.store.ListChangeEvents(ctx, store.TargetEntity, "ent_1", 0)
	if len(events) != 1 || events[0].Kind != store.EventProposalSubmitted {
		t.Fatalf("events = %+v", events)
	}

	// A second pending proposal for the same record and scope is refused.
	_, err := h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetEntity,
		TargetID:   "ent_1",
		Scope:      "card",
		Payload:    `{"name":"Marcus Aurelius","title":"Caesar","tags":[],"image_url":""}`,
	})
	wantDomainCode(t, err, "PROPOSAL_PENDING")
}

func TestSubmitProposalValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetEntity, TargetID: "ent_1", Scope: "card", Payload: `{not json`,
	})
	wantDomainCode(t, err, "MALFORMED_PAYLOAD")

	_, err = h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetEntity, TargetID: "ent_missing", Scope: "card",
		Payload: `{"name":"x","title":"y","tags":[],"image_url":""}`,
	})
	wantDomainCode(t, err, "ENTITY_NOT_FOUND")

	// Identical payload proposes no change.
	_, err = h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetEntity, TargetID: "ent_1", Scope: "card",
		Payload: `{"name":"Marcus Aurelius","title":"Emperor","tags":["stoic"],"image_url":""}`,
	})
	wantDomainCode(t, err, "VALIDATION_ERROR")

	// Scope and target kind must agree.
	_, err = h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetSource, TargetID: "src_1", Scope: "card",
		Payload: `{"name":"x","title":"y","tags":[],"image_url":""}`,
	})
	wantDomainCode(t, err, "VALIDATION_ERROR")

	noPrivileges := Session{UserID: "usr_prop", Privileges: nil}
	_, err = h.service.SubmitProposal(ctx, noPrivileges, SubmitProposalInput{
		TargetKind: store.TargetEntity, TargetID: "ent_1", Scope: "card",
		Payload: `{"name":"x","title":"y","tags":[],"image_url":""}`,
	})
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestAcceptCleanProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	report, err := h.service.ReviewProposal(ctx, h.reviewer, proposalID)
	if err != nil {
		t.Fatalf("ReviewProposal: %v", err)
	}
	if clean := report["clean"].(bool); !clean {
		t.Fatalf("no drift, report should be clean: %+v", report)
	}

	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, "  matches the sources "); err != nil {
		t.Fatalf("AcceptProposal: %v", err)
	}

	entity := h.store.entities["ent_1"]
	if entity.Title != "Philosopher King" {
		t.Fatalf("title = %s", entity.Title)
	}
	proposal := h.store.proposals[proposalID]
	if proposal.Status != store.ProposalAccepted || proposal.ResolvedBy != "usr_rev" {
		t.Fatalf("proposal = %+v", proposal)
	}
	if proposal.ReviewNote != "matches the sources" {
		t.Fatalf("review note = %q", proposal.ReviewNote)
	}

	events, _ := h.store.ListChangeEvents(ctx, store.TargetEntity, "ent_1", 0)
	if len(events) != 2 || events[1].Kind != store.EventProposalAccepted {
		t.Fatalf("events = %+v", events)
	}
	if len(h.search.entities) != 1 || h.search.entities[0] != "ent_1" {
		t.Fatalf("accepted entity was not reindexed: %v", h.search.entities)
	}
	if len(h.sessions.cleared) != 1 || h.sessions.cleared[0] != proposalID {
		t.Fatalf("review sessions not cleared: %v", h.sessions.cleared)
	}
}

func TestAcceptKeepsNonConflictingDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	// Tags drift after the proposal was submitted; the title edit does
	// not touch them.
	drifted := h.store.entities["ent_1"]
	drifted.Tags = []string{"stoic", "rome"}
	h.store.entities["ent_1"] = drifted

	report, err := h.service.ReviewProposal(ctx, h.reviewer, proposalID)
	if err != nil {
		t.Fatalf("ReviewProposal: %v", err)
	}
	if clean := report["clean"].(bool); !clean {
		t.Fatalf("independent drift should not conflict: %+v", report)
	}

	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, ""); err != nil {
		t.Fatalf("AcceptProposal: %v", err)
	}

	entity := h.store.entities["ent_1"]
	if entity.Title != "Philosopher King" {
		t.Fatalf("intended edit lost: title = %s", entity.Title)
	}
	if len(entity.Tags) != 2 {
		t.Fatalf("drifted tags overwritten: %v", entity.Tags)
	}
}

func TestAcceptConflictNeedsResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	// The live title drifts to a different value than the proposal wants.
	drifted := h.store.entities["ent_1"]
	drifted.Title = "Imperator"
	h.store.entities["ent_1"] = drifted

	_, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, "")
	wantDomainCode(t, err, "UNRESOLVED_CONFLICT")

	if h.store.proposals[proposalID].Status != store.ProposalPending {
		t.Fatal("failed accept must not flip the proposal")
	}
	if h.store.entities["ent_1"].Title != "Imperator" {
		t.Fatal("failed accept must not write the record")
	}

	report, err := h.service.SelectResolution(ctx, h.reviewer, proposalID, "title", "proposed")
	if err != nil {
		t.Fatalf("SelectResolution: %v", err)
	}
	if unresolved := report["unresolved"].([]string); len(unresolved) != 0 {
		t.Fatalf("unresolved after selection: %v", unresolved)
	}

	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, ""); err != nil {
		t.Fatalf("AcceptProposal after resolution: %v", err)
	}
	if got := h.store.entities["ent_1"].Title; got != "Philosopher King" {
		t.Fatalf("title = %s", got)
	}
}

func TestAcceptTagDisagreementHonorsPick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Emperor","tags":["stoic","ethics"],"image_url":""}`)

	// Tags drift to a different set than the proposal wants.
	drifted := h.store.entities["ent_1"]
	drifted.Tags = []string{"stoic", "rome"}
	h.store.entities["ent_1"] = drifted

	_, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, "")
	wantDomainCode(t, err, "UNRESOLVED_CONFLICT")

	if _, err := h.service.SelectResolution(ctx, h.reviewer, proposalID, "tags", "current"); err != nil {
		t.Fatalf("SelectResolution: %v", err)
	}
	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, ""); err != nil {
		t.Fatalf("AcceptProposal after resolution: %v", err)
	}

	got := h.store.entities["ent_1"].Tags
	seen := make(map[string]bool, len(got))
	for _, tag := range got {
		seen[tag] = true
	}
	if len(got) != 2 || !seen["stoic"] || !seen["rome"] || seen["ethics"] {
		t.Fatalf("tags = %v, want the drifted set", got)
	}
}

func TestSelectResolutionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	_, err := h.service.SelectResolution(ctx, h.reviewer, proposalID, "title", "upstream")
	wantDomainCode(t, err, "VALIDATION_ERROR")

	_, err = h.service.SelectResolution(ctx, h.reviewer, proposalID, "name", "proposed")
	wantDomainCode(t, err, "VALIDATION_ERROR")

	_, err = h.service.SelectResolution(ctx, h.proposer, proposalID, "title", "proposed")
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestAcceptIsAtomic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)
	eventsBefore := len(h.store.events)

	h.store.failEntityWrite = true
	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, ""); err == nil {
		t.Fatal("accept should fail when the record write fails")
	}

	if h.store.proposals[proposalID].Status != store.ProposalPending {
		t.Fatal("proposal flipped despite failed write")
	}
	if h.store.entities["ent_1"].Title != "Emperor" {
		t.Fatal("record written despite failed transaction")
	}
	if len(h.store.events) != eventsBefore {
		t.Fatal("event appended despite failed transaction")
	}
	if len(h.search.entities) != 0 {
		t.Fatal("reindexed despite failed transaction")
	}
}

func TestAcceptRaceLoser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	// Another reviewer wins the guarded status update mid-transaction.
	h.store.forceResolveLost = true
	_, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, "")
	wantDomainCode(t, err, "ALREADY_RESOLVED")

	if h.store.entities["ent_1"].Title != "Emperor" {
		t.Fatal("race loser must write nothing")
	}
}

func TestDeclineTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	if _, err := h.service.DeclineProposal(ctx, h.reviewer, proposalID, "not convincing"); err != nil {
		t.Fatalf("first decline: %v", err)
	}
	if h.store.proposals[proposalID].Status != store.ProposalDeclined {
		t.Fatalf("status = %s", h.store.proposals[proposalID].Status)
	}
	if got := h.store.proposals[proposalID].ReviewNote; got != "not convincing" {
		t.Fatalf("review note = %q", got)
	}

	_, err := h.service.DeclineProposal(ctx, h.reviewer, proposalID, "again")
	wantDomainCode(t, err, "ALREADY_RESOLVED")

	_, err = h.service.AcceptProposal(ctx, h.reviewer, proposalID, "")
	wantDomainCode(t, err, "ALREADY_RESOLVED")

	if h.store.entities["ent_1"].Title != "Emperor" {
		t.Fatal("declined proposal must not touch the record")
	}
}

func TestReportRevokesProposerPrivilege(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Spam","tags":[],"image_url":""}`)

	if _, err := h.service.ReportProposal(ctx, h.reviewer, proposalID, "spam"); err != nil {
		t.Fatalf("ReportProposal: %v", err)
	}

	proposal := h.store.proposals[proposalID]
	if proposal.Status != store.ProposalReported || !proposal.ReportTriggered {
		t.Fatalf("proposal = %+v", proposal)
	}
	if proposal.ReviewNote != "spam" {
		t.Fatalf("review note = %q", proposal.ReviewNote)
	}
	for _, privilege := range h.store.users["usr_prop"].Privileges {
		if privilege == "base_user" {
			t.Fatal("report must revoke the proposer's base_user privilege")
		}
	}

	events, _ := h.store.ListChangeEvents(ctx, store.TargetEntity, "ent_1", 0)
	last := events[len(events)-1]
	if last.Kind != store.EventProposalReported {
		t.Fatalf("last event = %+v", last)
	}

	// The reported proposer can no longer propose.
	refreshed, err := h.store.GetUserByID(ctx, "usr_prop")
	if err != nil {
		t.Fatal(err)
	}
	stripped := Session{UserID: refreshed.ID, Privileges: refreshed.Privileges}
	_, err = h.service.SubmitProposal(ctx, stripped, SubmitProposalInput{
		TargetKind: store.TargetEntity, TargetID: "ent_1", Scope: "card",
		Payload: `{"name":"x","title":"y","tags":[],"image_url":""}`,
	})
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestSourceProposalRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetSource,
		TargetID:   "src_1",
		Scope:      "source",
		Payload:    `{"source":{"slug":"historia-augusta","name":"Historia Augusta","description_markdown":"Late Roman biographies.","cover_media_url":"","tags":["antiquity","latin"]}}`,
	})
	if err != nil {
		t.Fatalf("SubmitProposal: %v", err)
	}
	proposalID := result["id"].(string)

	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, ""); err != nil {
		t.Fatalf("AcceptProposal: %v", err)
	}

	source := h.store.sources["src_1"]
	if source.DescriptionMarkdown != "Late Roman biographies." {
		t.Fatalf("description = %q", source.DescriptionMarkdown)
	}
	if len(source.Tags) != 2 {
		t.Fatalf("tags = %v", source.Tags)
	}
	if len(h.search.sources) != 1 || h.search.sources[0] != "src_1" {
		t.Fatalf("accepted source not reindexed: %v", h.search.sources)
	}
}

func TestArticleProposalLegacyScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Legacy rows stored scope "description" with raw markdown payloads.
	result, err := h.service.SubmitProposal(ctx, h.proposer, SubmitProposalInput{
		TargetKind: store.TargetEntity,
		TargetID:   "ent_1",
		Scope:      "description",
		Payload:    "# Meditations\n\nRevised opening.\n",
	})
	if err != nil {
		t.Fatalf("SubmitProposal: %v", err)
	}
	proposalID := result["id"].(string)

	if got := result["scope"].(string); got != "article" {
		t.Fatalf("legacy scope should normalize to article, got %s", got)
	}

	if _, err := h.service.AcceptProposal(ctx, h.reviewer, proposalID, ""); err != nil {
		t.Fatalf("AcceptProposal: %v", err)
	}
	if got := h.store.articles["ent_1"].Markdown; !strings.Contains(got, "Revised opening.") {
		t.Fatalf("article = %q", got)
	}
}

func TestEditRecordDirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.EditRecord(ctx, h.proposer, EditRecordInput{
		TargetKind: store.TargetEntity, TargetID: "ent_1", Scope: "card",
		Payload: `{"name":"Marcus Aurelius","title":"Caesar","tags":["stoic"],"image_url":""}`,
	})
	wantDomainCode(t, err, "FORBIDDEN")

	if _, err := h.service.EditRecord(ctx, h.editor, EditRecordInput{
		TargetKind: store.TargetEntity, TargetID: "ent_1", Scope: "card",
		Payload: `{"name":"Marcus Aurelius","title":"Caesar","tags":["stoic"],"image_url":""}`,
	}); err != nil {
		t.Fatalf("EditRecord: %v", err)
	}

	if got := h.store.entities["ent_1"].Title; got != "Caesar" {
		t.Fatalf("title = %s", got)
	}
	events, _ := h.store.ListChangeEvents(ctx, store.TargetEntity, "ent_1", 0)
	if len(events) != 1 || events[0].Kind != store.EventRecordEdited {
		t.Fatalf("events = %+v", events)
	}
}

func TestReviewProposalBucketAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Historical payloads carried the card title under "bucket".
	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","bucket":"Philosopher King","tags":["stoic"],"image_url":""}`)

	report, err := h.service.ReviewProposal(ctx, h.reviewer, proposalID)
	if err != nil {
		t.Fatalf("ReviewProposal: %v", err)
	}
	fields := report["fields"].([]map[string]any)
	if len(fields) != 1 || fields[0]["path"] != "title" {
		t.Fatalf("fields = %+v", fields)
	}
	if fields[0]["proposed"] != "Philosopher King" {
		t.Fatalf("proposed = %v", fields[0]["proposed"])
	}
}

func TestSessionResolutionsPersistAcrossReviews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proposalID := h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)
	drifted := h.store.entities["ent_1"]
	drifted.Title = "Imperator"
	h.store.entities["ent_1"] = drifted

	if _, err := h.service.SelectResolution(ctx, h.reviewer, proposalID, "title", "current"); err != nil {
		t.Fatalf("SelectResolution: %v", err)
	}

	// A fresh report for the same reviewer carries the saved choice.
	report, err := h.service.ReviewProposal(ctx, h.reviewer, proposalID)
	if err != nil {
		t.Fatalf("ReviewProposal: %v", err)
	}
	fields := report["fields"].([]map[string]any)
	if fields[0]["resolution"] != "current" {
		t.Fatalf("saved resolution lost: %+v", fields[0])
	}

	// Another reviewer's report starts unresolved.
	other := Session{UserID: "usr_other", Privileges: []string{"reviewer"}}
	h.store.users["usr_other"] = store.User{ID: "usr_other", Username: "nadia", Privileges: []string{"reviewer"}}
	report, err = h.service.ReviewProposal(ctx, other, proposalID)
	if err != nil {
		t.Fatalf("ReviewProposal: %v", err)
	}
	if unresolved := report["unresolved"].([]string); len(unresolved) != 1 {
		t.Fatalf("unresolved = %v", unresolved)
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.service.Login(ctx, "clara")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("login must mint both tokens")
	}

	parsed, err := h.service.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != session.UserID {
		t.Fatalf("user = %s", parsed.UserID)
	}

	refreshed, err := h.service.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Token == session.Token {
		t.Fatal("refresh must mint a new access token")
	}

	// Refresh tokens are single use.
	if _, err := h.service.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("reused refresh token should fail")
	}

	if err := h.service.Logout(ctx, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := h.service.Refresh(ctx, refreshed.RefreshToken); err == nil {
		t.Fatal("refresh after logout should fail")
	}
}

func TestSummaryCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submitCard(t, `{"name":"Marcus Aurelius","title":"Philosopher King","tags":["stoic"],"image_url":""}`)

	summary, err := h.service.Summary(ctx, h.reviewer)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := fmt.Sprintf("%v/%v/%v", 1, 1, 1)
	got := fmt.Sprintf("%v/%v/%v", summary["entities"], summary["sources"], summary["pendingProposals"])
	if got != want {
		t.Fatalf("summary = %s, want %s", got, want)
	}
}
