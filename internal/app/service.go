package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"thelist/api/internal/auth"
	"thelist/api/internal/config"
	"thelist/api/internal/diff"
	"thelist/api/internal/export"
	"thelist/api/internal/inbox"
	"thelist/api/internal/payload"
	"thelist/api/internal/rbac"
	"thelist/api/internal/review"
	"thelist/api/internal/search"
	"thelist/api/internal/session"
	"thelist/api/internal/store"
	"thelist/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Privileges   []string
	JTI          string
	ExpiresAt    time.Time
}

type SubmitProposalInput struct {
	TargetKind string `json:"targetKind"`
	TargetID   string `json:"targetId"`
	Scope      string `json:"scope"`
	Payload    string `json:"payload"`
	Comment    string `json:"comment"`
}

type EditRecordInput struct {
	TargetKind string `json:"targetKind"`
	TargetID   string `json:"targetId"`
	Scope      string `json:"scope"`
	Payload    string `json:"payload"`
}

type CreateEntityInput struct {
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	ImageURL string   `json:"imageUrl"`
	Tags     []string `json:"tags"`
}

type CreateSourceInput struct {
	Slug                string   `json:"slug"`
	Name                string   `json:"name"`
	DescriptionMarkdown string   `json:"descriptionMarkdown"`
	CoverMediaURL       string   `json:"coverMediaUrl"`
	Tags                []string `json:"tags"`
}

// txStore is the slice of the store that runs inside one transaction.
// Accept needs the record write, the status flip and the event append to
// commit or roll back together.
type txStore interface {
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	GetEntity(ctx context.Context, entityID string) (store.Entity, error)
	GetArticle(ctx context.Context, entityID string) (store.Article, error)
	GetSource(ctx context.Context, sourceID string) (store.Source, error)
	WriteEntity(ctx context.Context, entity store.Entity) error
	WriteArticle(ctx context.Context, article store.Article) error
	WriteSource(ctx context.Context, source store.Source) error
	ResolveProposal(ctx context.Context, proposalID, status, resolvedBy, reviewNote string, reportTriggered bool) (bool, error)
	AppendChangeEvent(ctx context.Context, event store.ChangeEvent) error
	RevokePrivilege(ctx context.Context, userID, privilege string) error
	Commit() error
	Rollback() error
}

type dataStore interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (txStore, error)

	EnsureUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GrantPrivilege(ctx context.Context, userID, privilege string) error

	GetEntity(ctx context.Context, entityID string) (store.Entity, error)
	ListEntities(ctx context.Context, limit int) ([]store.Entity, error)
	InsertEntity(ctx context.Context, entity store.Entity) (string, error)
	GetArticle(ctx context.Context, entityID string) (store.Article, error)
	GetSource(ctx context.Context, sourceID string) (store.Source, error)
	GetSourceBySlug(ctx context.Context, slug string) (store.Source, error)
	ListSources(ctx context.Context, limit int) ([]store.Source, error)
	InsertSource(ctx context.Context, source store.Source) (string, error)

	CreateProposal(ctx context.Context, proposal store.Proposal) (string, error)
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	ListProposals(ctx context.Context, status string, limit int) ([]store.Proposal, error)
	HasPendingProposal(ctx context.Context, targetKind, targetID, scope string) (bool, error)
	AppendChangeEvent(ctx context.Context, event store.ChangeEvent) error
	ListChangeEvents(ctx context.Context, targetKind, targetID string, limit int) ([]store.ChangeEvent, error)

	InsertAPIKey(ctx context.Context, key store.APIKey) (string, error)
	GetAPIKey(ctx context.Context, keyID string) (store.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string) error

	SummaryCounts(ctx context.Context) (entities, sources, pending int, err error)
}

// recordReader is the read slice shared by the plain store and the
// transactional store; the snapshot builder works against either.
type recordReader interface {
	GetEntity(ctx context.Context, entityID string) (store.Entity, error)
	GetArticle(ctx context.Context, entityID string) (store.Article, error)
	GetSource(ctx context.Context, sourceID string) (store.Source, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	SaveReviewResolution(ctx context.Context, proposalID, reviewerID, fieldPath, resolution string) error
	ReviewResolutions(ctx context.Context, proposalID, reviewerID string) (map[string]string, error)
	ClearReviewSession(ctx context.Context, proposalID, reviewerID string) error
	ClearProposalSessions(ctx context.Context, proposalID string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexEntity(record search.EntityRecord)
	IndexSource(record search.SourceRecord)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   searchIndex
	exporter *export.Service
	files    *inbox.Service
}

// pgStore adapts the concrete Postgres store's Begin to the service's
// transaction interface.
type pgStore struct {
	*store.PostgresStore
}

func (p pgStore) Begin(ctx context.Context) (txStore, error) {
	return p.PostgresStore.Begin(ctx)
}

func New(cfg config.Config, pg *store.PostgresStore, sessions *session.RedisStore, idx *search.Service, files *inbox.Service) *Service {
	return newService(cfg, pgStore{pg}, sessions, idx, files)
}

func newService(cfg config.Config, st dataStore, sessions sessionStore, idx searchIndex, files *inbox.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		search:   idx,
		exporter: export.NewService(exportStore{st}),
		files:    files,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- auth / sessions ---

func (s *Service) Login(ctx context.Context, username string) (Session, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return Session{}, validationError("username is required")
	}

	user, err := s.store.EnsureUserByUsername(ctx, name)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Privileges may have changed since the refresh token was minted.
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:        user.ID,
		Name:       user.Username,
		Privileges: user.Privileges,
		JTI:        jti,
		Exp:        expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Privileges:   user.Privileges,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:      token,
		UserID:     user.ID,
		UserName:   user.Username,
		Privileges: user.Privileges,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromAPIKey resolves a "<id>.<secret>" key into a session for
// script access. No refresh token is minted.
func (s *Service) SessionFromAPIKey(ctx context.Context, raw string) (Session, error) {
	keyID, secret, err := auth.SplitAPIKey(raw)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := auth.VerifyAPIKeySecret(key.SecretHash, secret); err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.store.TouchAPIKey(ctx, keyID); err != nil {
		log.Printf("auth: touch api key %s: %v", keyID, err)
	}

	user, err := s.store.GetUserByID(ctx, key.UserID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:     user.ID,
		UserName:   user.Username,
		Privileges: user.Privileges,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(session.Privileges, action)
}

// CreateAPIKey mints a new key for the calling user. The full secret is
// returned exactly once; only its hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, session Session, name string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionAdmin) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("key name is required")
	}

	secret, err := auth.NewAPIKeySecret()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashAPIKeySecret(secret)
	if err != nil {
		return nil, err
	}
	keyID, err := s.store.InsertAPIKey(ctx, store.APIKey{
		ID:         util.NewID("key"),
		UserID:     session.UserID,
		Name:       name,
		SecretHash: hash,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":   keyID,
		"name": name,
		"key":  auth.FormatAPIKey(keyID, secret),
	}, nil
}

// --- catalog ---

func (s *Service) ListEntities(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	entities, err := s.store.ListEntities(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entities))
	for _, entity := range entities {
		items = append(items, entityMap(entity))
	}
	return items, nil
}

func (s *Service) GetEntity(ctx context.Context, session Session, entityID string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	entity, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError(store.TargetEntity, entityID)
		}
		return nil, err
	}
	article, err := s.store.GetArticle(ctx, entityID)
	if err != nil {
		return nil, err
	}
	item := entityMap(entity)
	item["article"] = article.Markdown
	return item, nil
}

func (s *Service) CreateEntity(ctx context.Context, session Session, input CreateEntityInput) (map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required")
	}

	entity := store.Entity{
		ID:        util.NewID("ent"),
		Name:      name,
		Title:     strings.TrimSpace(input.Title),
		ImageURL:  strings.TrimSpace(input.ImageURL),
		Tags:      payload.NormalizeTags(input.Tags),
		UpdatedBy: session.UserID,
	}
	entityID, err := s.store.InsertEntity(ctx, entity)
	if err != nil {
		return nil, err
	}
	entity.ID = entityID

	if err := s.store.AppendChangeEvent(ctx, store.ChangeEvent{
		TargetKind: store.TargetEntity,
		TargetID:   entityID,
		Kind:       store.EventRecordEdited,
		ActorID:    session.UserID,
		Payload:    map[string]any{"created": true},
	}); err != nil {
		return nil, err
	}

	s.indexEntity(ctx, entityID)
	return entityMap(entity), nil
}

func (s *Service) ListSources(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	sources, err := s.store.ListSources(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sources))
	for _, source := range sources {
		items = append(items, sourceMap(source))
	}
	return items, nil
}

func (s *Service) GetSource(ctx context.Context, session Session, idOrSlug string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	source, err := s.store.GetSource(ctx, idOrSlug)
	if errors.Is(err, store.ErrNotFound) {
		source, err = s.store.GetSourceBySlug(ctx, strings.ToLower(idOrSlug))
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError(store.TargetSource, idOrSlug)
		}
		return nil, err
	}
	return sourceMap(source), nil
}

func (s *Service) CreateSource(ctx context.Context, session Session, input CreateSourceInput) (map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	slug := strings.ToLower(strings.TrimSpace(input.Slug))
	name := strings.TrimSpace(input.Name)
	if slug == "" || name == "" {
		return nil, validationError("slug and name are required")
	}

	source := store.Source{
		ID:                  util.NewID("src"),
		Slug:                slug,
		Name:                name,
		DescriptionMarkdown: input.DescriptionMarkdown,
		CoverMediaURL:       strings.TrimSpace(input.CoverMediaURL),
		Tags:                payload.NormalizeTags(input.Tags),
		UpdatedBy:           session.UserID,
	}
	sourceID, err := s.store.InsertSource(ctx, source)
	if err != nil {
		return nil, err
	}
	source.ID = sourceID

	if err := s.store.AppendChangeEvent(ctx, store.ChangeEvent{
		TargetKind: store.TargetSource,
		TargetID:   sourceID,
		Kind:       store.EventRecordEdited,
		ActorID:    session.UserID,
		Payload:    map[string]any{"created": true},
	}); err != nil {
		return nil, err
	}

	s.indexSource(ctx, sourceID)
	return sourceMap(source), nil
}

// EditRecord applies a payload to the live record immediately, without a
// proposal. Editors and above only; the edit still lands in the audit
// trail as a record_edited event.
func (s *Service) EditRecord(ctx context.Context, session Session, input EditRecordInput) (map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	scope, err := validateTarget(input.TargetKind, input.Scope)
	if err != nil {
		return nil, err
	}

	snapshot, err := payload.Decode(scope, input.Payload)
	if err != nil {
		if errors.Is(err, payload.ErrMalformedPayload) {
			return nil, malformedPayloadError(err.Error())
		}
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Read first so a bad id fails before any write.
	if _, err := currentSnapshot(ctx, tx, scope, input.TargetKind, input.TargetID); err != nil {
		return nil, err
	}
	if err := writeSnapshot(ctx, tx, scope, input.TargetKind, input.TargetID, snapshot, session.UserID); err != nil {
		return nil, err
	}
	if err := tx.AppendChangeEvent(ctx, store.ChangeEvent{
		TargetKind: input.TargetKind,
		TargetID:   input.TargetID,
		Kind:       store.EventRecordEdited,
		ActorID:    session.UserID,
		Payload:    map[string]any{"scope": string(scope)},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.reindexTarget(ctx, input.TargetKind, input.TargetID)
	return map[string]any{"ok": true, "targetKind": input.TargetKind, "targetId": input.TargetID}, nil
}

// --- proposals ---

func (s *Service) SubmitProposal(ctx context.Context, session Session, input SubmitProposalInput) (map[string]any, error) {
	if !s.Can(session, rbac.ActionPropose) {
		return nil, forbiddenError()
	}
	scope, err := validateTarget(input.TargetKind, input.Scope)
	if err != nil {
		return nil, err
	}

	proposed, err := payload.Decode(scope, input.Payload)
	if err != nil {
		if errors.Is(err, payload.ErrMalformedPayload) {
			return nil, malformedPayloadError(err.Error())
		}
		return nil, err
	}

	current, err := currentSnapshot(ctx, s.store, scope, input.TargetKind, input.TargetID)
	if err != nil {
		return nil, err
	}

	changes, err := diff.Diff(current, proposed)
	if err != nil {
		return nil, mapDiffError(err)
	}
	if len(changes) == 0 {
		return nil, validationError("proposal changes nothing")
	}

	pending, err := s.store.HasPendingProposal(ctx, input.TargetKind, input.TargetID, string(scope))
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, domainError(409, "PROPOSAL_PENDING", "A pending proposal already exists for this record and scope", nil)
	}

	// The base payload freezes the state the proposer saw; drift is
	// measured against it at review time.
	basePayload, err := payload.Encode(scope, current)
	if err != nil {
		return nil, err
	}
	proposedPayload, err := payload.Encode(scope, proposed)
	if err != nil {
		return nil, err
	}

	proposalID, err := s.store.CreateProposal(ctx, store.Proposal{
		ID:              util.NewID("prp"),
		TargetKind:      input.TargetKind,
		TargetID:        input.TargetID,
		Scope:           string(scope),
		BasePayload:     basePayload,
		ProposedPayload: proposedPayload,
		Comment:         strings.TrimSpace(input.Comment),
		Status:          store.ProposalPending,
		ProposerID:      session.UserID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendChangeEvent(ctx, store.ChangeEvent{
		TargetKind: input.TargetKind,
		TargetID:   input.TargetID,
		ProposalID: &proposalID,
		Kind:       store.EventProposalSubmitted,
		ActorID:    session.UserID,
		Payload:    map[string]any{"scope": string(scope), "fields": len(changes)},
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":         proposalID,
		"targetKind": input.TargetKind,
		"targetId":   input.TargetID,
		"scope":      string(scope),
		"status":     store.ProposalPending,
	}, nil
}

func (s *Service) ProposalQueue(ctx context.Context, session Session, status string, limit int) ([]map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	if status != "" {
		switch status {
		case store.ProposalPending, store.ProposalAccepted, store.ProposalDeclined, store.ProposalReported:
		default:
			return nil, validationError("unknown proposal status")
		}
	}
	proposals, err := s.store.ListProposals(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(proposals))
	for _, proposal := range proposals {
		items = append(items, proposalMap(proposal))
	}
	return items, nil
}

// ReviewProposal builds the three-way conflict report for a pending
// proposal, overlaid with the reviewer's saved per-field selections.
func (s *Service) ReviewProposal(ctx context.Context, session Session, proposalID string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionReview) {
		return nil, forbiddenError()
	}
	proposal, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != store.ProposalPending {
		return nil, alreadyResolvedError(proposalID)
	}

	scope := payload.NormalizeScope(proposal.Scope)
	current, err := currentSnapshot(ctx, s.store, scope, proposal.TargetKind, proposal.TargetID)
	if err != nil {
		return nil, err
	}
	report, err := s.buildReport(ctx, proposal, current, session.UserID)
	if err != nil {
		return nil, err
	}
	return reportMap(proposal, report), nil
}

// SelectResolution records one per-field choice in the reviewer's
// session and returns the refreshed report.
func (s *Service) SelectResolution(ctx context.Context, session Session, proposalID, fieldPath, value string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionReview) {
		return nil, forbiddenError()
	}
	resolution, err := review.ParseResolution(value)
	if err != nil {
		return nil, validationError(err.Error())
	}

	proposal, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != store.ProposalPending {
		return nil, alreadyResolvedError(proposalID)
	}

	scope := payload.NormalizeScope(proposal.Scope)
	current, err := currentSnapshot(ctx, s.store, scope, proposal.TargetKind, proposal.TargetID)
	if err != nil {
		return nil, err
	}
	report, err := s.buildReport(ctx, proposal, current, session.UserID)
	if err != nil {
		return nil, err
	}
	if err := report.SetResolution(fieldPath, resolution); err != nil {
		if errors.Is(err, review.ErrUnknownField) {
			return nil, validationError(err.Error())
		}
		return nil, err
	}
	if err := s.sessions.SaveReviewResolution(ctx, proposalID, session.UserID, fieldPath, string(resolution)); err != nil {
		return nil, err
	}
	return reportMap(proposal, report), nil
}

// AbandonReview discards the reviewer's saved selections without
// touching the proposal.
func (s *Service) AbandonReview(ctx context.Context, session Session, proposalID string) error {
	if !s.Can(session, rbac.ActionReview) {
		return forbiddenError()
	}
	return s.sessions.ClearReviewSession(ctx, proposalID, session.UserID)
}

// AcceptProposal applies the merged snapshot, flips the proposal to
// accepted and appends the audit event in one transaction. The losing
// side of a concurrent resolution gets ALREADY_RESOLVED and writes
// nothing. The optional note is stored on the proposal row.
func (s *Service) AcceptProposal(ctx context.Context, session Session, proposalID, note string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionReview) {
		return nil, forbiddenError()
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	proposal, err := tx.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError("proposal", proposalID)
		}
		return nil, err
	}
	if proposal.Status != store.ProposalPending {
		return nil, alreadyResolvedError(proposalID)
	}

	scope := payload.NormalizeScope(proposal.Scope)
	current, err := currentSnapshot(ctx, tx, scope, proposal.TargetKind, proposal.TargetID)
	if err != nil {
		return nil, err
	}
	report, err := s.buildReport(ctx, proposal, current, session.UserID)
	if err != nil {
		return nil, err
	}
	merged, err := report.Merged(current)
	if err != nil {
		if errors.Is(err, review.ErrUnresolvedConflict) {
			return nil, unresolvedConflictError(report.Unresolved())
		}
		return nil, err
	}

	if err := writeSnapshot(ctx, tx, scope, proposal.TargetKind, proposal.TargetID, merged, session.UserID); err != nil {
		return nil, err
	}

	flipped, err := tx.ResolveProposal(ctx, proposalID, store.ProposalAccepted, session.UserID, strings.TrimSpace(note), false)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, alreadyResolvedError(proposalID)
	}

	if err := tx.AppendChangeEvent(ctx, store.ChangeEvent{
		TargetKind: proposal.TargetKind,
		TargetID:   proposal.TargetID,
		ProposalID: &proposal.ID,
		Kind:       store.EventProposalAccepted,
		ActorID:    session.UserID,
		Payload:    acceptEventPayload(scope, report),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.reindexTarget(ctx, proposal.TargetKind, proposal.TargetID)
	if err := s.sessions.ClearProposalSessions(ctx, proposalID); err != nil {
		log.Printf("review: clear sessions for %s: %v", proposalID, err)
	}

	return map[string]any{"ok": true, "id": proposalID, "status": store.ProposalAccepted}, nil
}

func (s *Service) DeclineProposal(ctx context.Context, session Session, proposalID, comment string) (map[string]any, error) {
	return s.closeProposal(ctx, session, proposalID, store.ProposalDeclined, comment)
}

// ReportProposal declines the proposal as abusive and revokes the
// proposer's base_user privilege, stripping their ability to propose.
func (s *Service) ReportProposal(ctx context.Context, session Session, proposalID, comment string) (map[string]any, error) {
	return s.closeProposal(ctx, session, proposalID, store.ProposalReported, comment)
}

func (s *Service) closeProposal(ctx context.Context, session Session, proposalID, status, comment string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionReview) {
		return nil, forbiddenError()
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	proposal, err := tx.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError("proposal", proposalID)
		}
		return nil, err
	}

	reported := status == store.ProposalReported
	comment = strings.TrimSpace(comment)
	flipped, err := tx.ResolveProposal(ctx, proposalID, status, session.UserID, comment, reported)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, alreadyResolvedError(proposalID)
	}

	kind := store.EventProposalDeclined
	eventPayload := map[string]any{"scope": proposal.Scope}
	if comment != "" {
		eventPayload["comment"] = comment
	}
	if reported {
		kind = store.EventProposalReported
		eventPayload["proposer"] = proposal.ProposerID
		if err := tx.RevokePrivilege(ctx, proposal.ProposerID, string(rbac.PrivilegeBaseUser)); err != nil {
			return nil, err
		}
	}
	if err := tx.AppendChangeEvent(ctx, store.ChangeEvent{
		TargetKind: proposal.TargetKind,
		TargetID:   proposal.TargetID,
		ProposalID: &proposal.ID,
		Kind:       kind,
		ActorID:    session.UserID,
		Payload:    eventPayload,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := s.sessions.ClearProposalSessions(ctx, proposalID); err != nil {
		log.Printf("review: clear sessions for %s: %v", proposalID, err)
	}
	return map[string]any{"ok": true, "id": proposalID, "status": status}, nil
}

func (s *Service) History(ctx context.Context, session Session, targetKind, targetID string, limit int) ([]map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	events, err := s.store.ListChangeEvents(ctx, targetKind, targetID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		item := map[string]any{
			"id":        event.ID,
			"kind":      event.Kind,
			"actorId":   event.ActorID,
			"createdAt": event.CreatedAt,
			"payload":   event.Payload,
		}
		if event.ProposalID != nil {
			item["proposalId"] = *event.ProposalID
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) Summary(ctx context.Context, session Session) (map[string]any, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	entities, sources, pending, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"entities":         entities,
		"sources":          sources,
		"pendingProposals": pending,
	}, nil
}

// --- search / export / inbox ---

func (s *Service) Search(session Session, q search.Query) (search.Response, error) {
	if !s.Can(session, rbac.ActionRead) {
		return search.Response{}, forbiddenError()
	}
	return s.search.Search(q), nil
}

func (s *Service) ExportArticle(ctx context.Context, session Session, entityID string, includeEvents bool) (*export.Result, error) {
	if !s.Can(session, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	result, err := s.exporter.Export(ctx, export.Request{
		EntityID:      entityID,
		Format:        export.FormatPDF,
		IncludeEvents: includeEvents,
	})
	if err != nil {
		if errors.Is(err, export.ErrContentUnavailable) {
			return nil, entityNotFoundError(store.TargetEntity, entityID)
		}
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(503, "EXPORT_UNAVAILABLE", "PDF export is not available on this host", nil)
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) StageUpload(ctx context.Context, session Session, reader io.Reader, size int64, name, contentType string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	if s.files == nil {
		return nil, domainError(503, "INBOX_UNAVAILABLE", "Object storage is not configured", nil)
	}
	file, err := s.files.Stage(ctx, reader, size, name, contentType, session.UserID)
	if err != nil {
		return nil, err
	}
	return unsortedFileMap(file), nil
}

func (s *Service) ListInbox(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	if s.files == nil {
		return nil, domainError(503, "INBOX_UNAVAILABLE", "Object storage is not configured", nil)
	}
	files, err := s.files.ListStaged(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(files))
	for _, file := range files {
		items = append(items, unsortedFileMap(file))
	}
	return items, nil
}

func (s *Service) InboxDownloadURL(ctx context.Context, session Session, fileID string) (*url.URL, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	if s.files == nil {
		return nil, domainError(503, "INBOX_UNAVAILABLE", "Object storage is not configured", nil)
	}
	link, err := s.files.PresignedURL(ctx, fileID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError("file", fileID)
		}
		return nil, err
	}
	return link, nil
}

func (s *Service) AttachInboxFile(ctx context.Context, session Session, fileID, sourceID string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	if s.files == nil {
		return nil, domainError(503, "INBOX_UNAVAILABLE", "Object storage is not configured", nil)
	}
	if _, err := s.store.GetSource(ctx, sourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError(store.TargetSource, sourceID)
		}
		return nil, err
	}
	attached, err := s.files.Attach(ctx, fileID, sourceID)
	if err != nil {
		return nil, err
	}
	if !attached {
		return nil, domainError(409, "FILE_NOT_STAGED", "File is no longer staged", nil)
	}
	return map[string]any{"ok": true, "fileId": fileID, "sourceId": sourceID}, nil
}

func (s *Service) DiscardInboxFile(ctx context.Context, session Session, fileID string) (map[string]any, error) {
	if !s.Can(session, rbac.ActionEdit) {
		return nil, forbiddenError()
	}
	if s.files == nil {
		return nil, domainError(503, "INBOX_UNAVAILABLE", "Object storage is not configured", nil)
	}
	discarded, err := s.files.Discard(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !discarded {
		return nil, domainError(409, "FILE_NOT_STAGED", "File is no longer staged", nil)
	}
	return map[string]any{"ok": true, "fileId": fileID}, nil
}

// --- snapshot plumbing ---

func validateTarget(targetKind, scope string) (payload.Scope, error) {
	normalized := payload.NormalizeScope(scope)
	switch targetKind {
	case store.TargetEntity:
		if normalized == payload.ScopeSource {
			return "", validationError("entity targets cannot use the source scope")
		}
	case store.TargetSource:
		if normalized != payload.ScopeSource {
			return "", validationError("source targets require the source scope")
		}
	default:
		return "", validationError("targetKind must be entity or source")
	}
	return normalized, nil
}

// currentSnapshot reads the live record into the scope's field-path
// universe. A missing target maps to ENTITY_NOT_FOUND.
func currentSnapshot(ctx context.Context, r recordReader, scope payload.Scope, targetKind, targetID string) (payload.Snapshot, error) {
	if targetKind == store.TargetSource {
		source, err := r.GetSource(ctx, targetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, entityNotFoundError(store.TargetSource, targetID)
			}
			return nil, err
		}
		return payload.Snapshot{
			payload.FieldSourceSlug:        payload.TextValue(source.Slug),
			payload.FieldSourceName:        payload.TextValue(source.Name),
			payload.FieldSourceDescription: payload.TextValue(source.DescriptionMarkdown),
			payload.FieldSourceCoverMedia:  payload.TextValue(source.CoverMediaURL),
			payload.FieldSourceTags:        payload.TagsValue(source.Tags),
		}, nil
	}

	entity, err := r.GetEntity(ctx, targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, entityNotFoundError(store.TargetEntity, targetID)
		}
		return nil, err
	}

	switch scope {
	case payload.ScopeCard:
		return payload.Snapshot{
			payload.FieldName:     payload.TextValue(entity.Name),
			payload.FieldTitle:    payload.TextValue(entity.Title),
			payload.FieldTags:     payload.TagsValue(entity.Tags),
			payload.FieldImageURL: payload.TextValue(entity.ImageURL),
		}, nil
	case payload.ScopeCardArticle:
		article, err := r.GetArticle(ctx, targetID)
		if err != nil {
			return nil, err
		}
		return payload.Snapshot{
			payload.FieldCardName:     payload.TextValue(entity.Name),
			payload.FieldCardTitle:    payload.TextValue(entity.Title),
			payload.FieldCardTags:     payload.TagsValue(entity.Tags),
			payload.FieldCardImageURL: payload.TextValue(entity.ImageURL),
			payload.FieldArticle:      payload.TextValue(article.Markdown),
		}, nil
	default:
		article, err := r.GetArticle(ctx, targetID)
		if err != nil {
			return nil, err
		}
		return payload.Snapshot{
			payload.FieldArticle: payload.TextValue(article.Markdown),
		}, nil
	}
}

// writeSnapshot persists a merged snapshot back onto the live rows
// inside the caller's transaction.
func writeSnapshot(ctx context.Context, tx txStore, scope payload.Scope, targetKind, targetID string, snapshot payload.Snapshot, actorID string) error {
	if targetKind == store.TargetSource {
		source, err := tx.GetSource(ctx, targetID)
		if err != nil {
			return err
		}
		source.Slug = strings.ToLower(strings.TrimSpace(snapshot[payload.FieldSourceSlug].Text))
		source.Name = strings.TrimSpace(snapshot[payload.FieldSourceName].Text)
		source.DescriptionMarkdown = snapshot[payload.FieldSourceDescription].Text
		source.CoverMediaURL = strings.TrimSpace(snapshot[payload.FieldSourceCoverMedia].Text)
		source.Tags = payload.NormalizeTags(snapshot[payload.FieldSourceTags].Tags)
		source.UpdatedBy = actorID
		return tx.WriteSource(ctx, source)
	}

	writeCard := func(namePath, titlePath, tagsPath, imagePath string) error {
		entity, err := tx.GetEntity(ctx, targetID)
		if err != nil {
			return err
		}
		entity.Name = strings.TrimSpace(snapshot[namePath].Text)
		entity.Title = strings.TrimSpace(snapshot[titlePath].Text)
		entity.Tags = payload.NormalizeTags(snapshot[tagsPath].Tags)
		entity.ImageURL = strings.TrimSpace(snapshot[imagePath].Text)
		entity.UpdatedBy = actorID
		return tx.WriteEntity(ctx, entity)
	}
	writeArticle := func(path string) error {
		return tx.WriteArticle(ctx, store.Article{
			EntityID:  targetID,
			Markdown:  snapshot[path].Text,
			UpdatedBy: actorID,
		})
	}

	switch scope {
	case payload.ScopeCard:
		return writeCard(payload.FieldName, payload.FieldTitle, payload.FieldTags, payload.FieldImageURL)
	case payload.ScopeCardArticle:
		if err := writeCard(payload.FieldCardName, payload.FieldCardTitle, payload.FieldCardTags, payload.FieldCardImageURL); err != nil {
			return err
		}
		return writeArticle(payload.FieldArticle)
	default:
		return writeArticle(payload.FieldArticle)
	}
}

func (s *Service) getProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Proposal{}, entityNotFoundError("proposal", proposalID)
		}
		return store.Proposal{}, err
	}
	return proposal, nil
}

// buildReport decodes the frozen payloads, resolves the three-way diff
// and overlays the reviewer's saved selections. Selections for paths no
// longer under review are silently dropped; drift since they were saved
// may have removed the field.
func (s *Service) buildReport(ctx context.Context, proposal store.Proposal, current payload.Snapshot, reviewerID string) (*review.Report, error) {
	scope := payload.NormalizeScope(proposal.Scope)
	base, err := payload.Decode(scope, proposal.BasePayload)
	if err != nil {
		return nil, malformedPayloadError(fmt.Sprintf("base payload of %s: %v", proposal.ID, err))
	}
	proposed, err := payload.Decode(scope, proposal.ProposedPayload)
	if err != nil {
		return nil, malformedPayloadError(fmt.Sprintf("proposed payload of %s: %v", proposal.ID, err))
	}

	report, err := review.Resolve(base, current, proposed)
	if err != nil {
		return nil, mapDiffError(err)
	}

	saved, err := s.sessions.ReviewResolutions(ctx, proposal.ID, reviewerID)
	if err != nil {
		return nil, err
	}
	for path, value := range saved {
		resolution, err := review.ParseResolution(value)
		if err != nil {
			continue
		}
		if err := report.SetResolution(path, resolution); err != nil && !errors.Is(err, review.ErrUnknownField) {
			return nil, err
		}
	}
	return report, nil
}

func mapDiffError(err error) error {
	if errors.Is(err, diff.ErrInvariantViolation) {
		return invariantViolationError(err.Error())
	}
	return err
}

func acceptEventPayload(scope payload.Scope, report *review.Report) map[string]any {
	conflicted := 0
	resolutions := map[string]string{}
	for _, field := range report.Fields() {
		if field.Conflicted {
			conflicted++
			resolutions[field.Path] = string(field.Resolution)
		}
	}
	eventPayload := map[string]any{
		"scope":  string(scope),
		"fields": len(report.Fields()),
	}
	if conflicted > 0 {
		eventPayload["conflicted"] = conflicted
		eventPayload["resolutions"] = resolutions
	}
	return eventPayload
}

// --- search indexing ---

func (s *Service) reindexTarget(ctx context.Context, targetKind, targetID string) {
	if targetKind == store.TargetSource {
		s.indexSource(ctx, targetID)
		return
	}
	s.indexEntity(ctx, targetID)
}

func (s *Service) indexEntity(ctx context.Context, entityID string) {
	entity, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		log.Printf("search: load entity %s for indexing: %v", entityID, err)
		return
	}
	article, err := s.store.GetArticle(ctx, entityID)
	if err != nil {
		log.Printf("search: load article %s for indexing: %v", entityID, err)
		return
	}
	s.search.IndexEntity(search.EntityRecord{
		ID:      entity.ID,
		Name:    entity.Name,
		Title:   entity.Title,
		Tags:    entity.Tags,
		Article: article.Markdown,
	})
}

func (s *Service) indexSource(ctx context.Context, sourceID string) {
	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		log.Printf("search: load source %s for indexing: %v", sourceID, err)
		return
	}
	s.search.IndexSource(search.SourceRecord{
		ID:          source.ID,
		Slug:        source.Slug,
		Name:        source.Name,
		Description: source.DescriptionMarkdown,
		Tags:        source.Tags,
	})
}

// --- response shaping ---

func entityMap(entity store.Entity) map[string]any {
	return map[string]any{
		"id":        entity.ID,
		"name":      entity.Name,
		"title":     entity.Title,
		"imageUrl":  entity.ImageURL,
		"tags":      tagsOrEmpty(entity.Tags),
		"updatedBy": entity.UpdatedBy,
		"updatedAt": entity.UpdatedAt,
	}
}

func sourceMap(source store.Source) map[string]any {
	return map[string]any{
		"id":                  source.ID,
		"slug":                source.Slug,
		"name":                source.Name,
		"descriptionMarkdown": source.DescriptionMarkdown,
		"coverMediaUrl":       source.CoverMediaURL,
		"tags":                tagsOrEmpty(source.Tags),
		"updatedBy":           source.UpdatedBy,
		"updatedAt":           source.UpdatedAt,
	}
}

func proposalMap(proposal store.Proposal) map[string]any {
	item := map[string]any{
		"id":         proposal.ID,
		"targetKind": proposal.TargetKind,
		"targetId":   proposal.TargetID,
		"scope":      string(payload.NormalizeScope(proposal.Scope)),
		"status":     proposal.Status,
		"comment":    proposal.Comment,
		"proposerId": proposal.ProposerID,
		"createdAt":  proposal.CreatedAt,
	}
	if proposal.ResolvedBy != "" {
		item["resolvedBy"] = proposal.ResolvedBy
	}
	if proposal.ReviewNote != "" {
		item["reviewNote"] = proposal.ReviewNote
	}
	if proposal.ResolvedAt != nil {
		item["resolvedAt"] = *proposal.ResolvedAt
	}
	if proposal.ReportTriggered {
		item["reportTriggered"] = true
	}
	return item
}

func reportMap(proposal store.Proposal, report *review.Report) map[string]any {
	fields := make([]map[string]any, 0, len(report.Fields()))
	for _, field := range report.Fields() {
		fields = append(fields, map[string]any{
			"path":       field.Path,
			"base":       valueJSON(field.Base),
			"current":    valueJSON(field.Current),
			"proposed":   valueJSON(field.Proposed),
			"conflicted": field.Conflicted,
			"resolution": string(field.Resolution),
		})
	}
	unresolved := report.Unresolved()
	if unresolved == nil {
		unresolved = []string{}
	}
	return map[string]any{
		"proposal":   proposalMap(proposal),
		"fields":     fields,
		"clean":      report.Clean(),
		"unresolved": unresolved,
	}
}

func valueJSON(value payload.Value) any {
	if value.Kind == payload.KindTags {
		return tagsOrEmpty(value.Tags)
	}
	return value.Text
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func unsortedFileMap(file store.UnsortedFile) map[string]any {
	item := map[string]any{
		"id":           file.ID,
		"originalName": file.OriginalName,
		"contentType":  file.ContentType,
		"size":         file.Size,
		"uploadedBy":   file.UploadedBy,
		"status":       file.Status,
		"createdAt":    file.CreatedAt,
	}
	if file.SourceID != nil {
		item["sourceId"] = *file.SourceID
	}
	return item
}

// exportStore adapts the data store to the export service's view.
type exportStore struct {
	st dataStore
}

func (e exportStore) GetEntity(ctx context.Context, entityID string) (export.EntityInfo, error) {
	entity, err := e.st.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return export.EntityInfo{}, fmt.Errorf("%w: entity %s", export.ErrContentUnavailable, entityID)
		}
		return export.EntityInfo{}, err
	}
	return export.EntityInfo{
		ID:        entity.ID,
		Name:      entity.Name,
		Title:     entity.Title,
		ImageURL:  entity.ImageURL,
		Tags:      entity.Tags,
		UpdatedAt: entity.UpdatedAt,
	}, nil
}

func (e exportStore) GetArticle(ctx context.Context, entityID string) (string, error) {
	article, err := e.st.GetArticle(ctx, entityID)
	if err != nil {
		return "", err
	}
	return article.Markdown, nil
}

func (e exportStore) ListEvents(ctx context.Context, entityID string, limit int) ([]export.EventInfo, error) {
	events, err := e.st.ListChangeEvents(ctx, store.TargetEntity, entityID, limit)
	if err != nil {
		return nil, err
	}
	infos := make([]export.EventInfo, 0, len(events))
	for _, event := range events {
		infos = append(infos, export.EventInfo{
			Kind:  event.Kind,
			Actor: event.ActorID,
			At:    event.CreatedAt,
		})
	}
	return infos, nil
}
