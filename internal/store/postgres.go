package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx so the write paths
// can run inside or outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Begin opens a transaction-scoped store. The caller must Commit or
// Rollback.
func (s *PostgresStore) Begin(ctx context.Context) (*TxStore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &TxStore{tx: tx}, nil
}

// --- users ---

func (s *PostgresStore) EnsureUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE username = $1`, username).
		Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == nil {
		user.Privileges, err = loadPrivileges(ctx, s.db, user.ID)
		return user, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING id, username, created_at`, username).
		Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := grantPrivilege(ctx, s.db, user.ID, "base_user"); err != nil {
		return User{}, err
	}
	user.Privileges = []string{"base_user"}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Username, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	user.Privileges, err = loadPrivileges(ctx, s.db, user.ID)
	return user, err
}

func loadPrivileges(ctx context.Context, q queryer, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT privilege FROM user_privileges WHERE user_id = $1 ORDER BY privilege`, userID)
	if err != nil {
		return nil, fmt.Errorf("load privileges: %w", err)
	}
	defer rows.Close()

	var privileges []string
	for rows.Next() {
		var privilege string
		if err := rows.Scan(&privilege); err != nil {
			return nil, fmt.Errorf("scan privilege: %w", err)
		}
		privileges = append(privileges, privilege)
	}
	return privileges, rows.Err()
}

func grantPrivilege(ctx context.Context, q queryer, userID, privilege string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_privileges (user_id, privilege)
		VALUES ($1, $2)
		ON CONFLICT (user_id, privilege) DO NOTHING
	`, userID, privilege)
	if err != nil {
		return fmt.Errorf("grant privilege: %w", err)
	}
	return nil
}

func revokePrivilege(ctx context.Context, q queryer, userID, privilege string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM user_privileges WHERE user_id = $1 AND privilege = $2`, userID, privilege)
	if err != nil {
		return fmt.Errorf("revoke privilege: %w", err)
	}
	return nil
}

func (s *PostgresStore) GrantPrivilege(ctx context.Context, userID, privilege string) error {
	return grantPrivilege(ctx, s.db, userID, privilege)
}

func (s *PostgresStore) RevokePrivilege(ctx context.Context, userID, privilege string) error {
	return revokePrivilege(ctx, s.db, userID, privilege)
}

// --- entities ---

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (Entity, error) {
	return getEntity(ctx, s.db, entityID)
}

func getEntity(ctx context.Context, q queryer, entityID string) (Entity, error) {
	var entity Entity
	var updatedBy sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, name, title, image_url, updated_by, created_at, updated_at
		FROM entities WHERE id = $1
	`, entityID).Scan(&entity.ID, &entity.Name, &entity.Title, &entity.ImageURL,
		&updatedBy, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get entity: %w", err)
	}
	entity.UpdatedBy = updatedBy.String

	entity.Tags, err = loadTags(ctx, q, `
		SELECT t.name FROM entity_tags et
		JOIN tags t ON t.id = et.tag_id
		WHERE et.entity_id = $1
		ORDER BY et.position, t.name
	`, entityID)
	return entity, err
}

func (s *PostgresStore) ListEntities(ctx context.Context, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, title, image_url, created_at, updated_at
		FROM entities ORDER BY name LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var entity Entity
		if err := rows.Scan(&entity.ID, &entity.Name, &entity.Title, &entity.ImageURL,
			&entity.CreatedAt, &entity.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) InsertEntity(ctx context.Context, entity Entity) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO entities (name, title, image_url, updated_by)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id
	`, entity.Name, entity.Title, entity.ImageURL, entity.UpdatedBy).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert entity: %w", err)
	}
	if err := replaceEntityTags(ctx, s.db, id, entity.Tags); err != nil {
		return "", err
	}
	return id, nil
}

func writeEntity(ctx context.Context, q queryer, entity Entity) error {
	result, err := q.ExecContext(ctx, `
		UPDATE entities
		SET name = $2, title = $3, image_url = $4, updated_by = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $1
	`, entity.ID, entity.Name, entity.Title, entity.ImageURL, entity.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return replaceEntityTags(ctx, q, entity.ID, entity.Tags)
}

func (s *PostgresStore) WriteEntity(ctx context.Context, entity Entity) error {
	return writeEntity(ctx, s.db, entity)
}

func (s *PostgresStore) GetArticle(ctx context.Context, entityID string) (Article, error) {
	return getArticle(ctx, s.db, entityID)
}

func getArticle(ctx context.Context, q queryer, entityID string) (Article, error) {
	var article Article
	var updatedBy sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT entity_id, markdown, updated_by, updated_at FROM articles WHERE entity_id = $1
	`, entityID).Scan(&article.EntityID, &article.Markdown, &updatedBy, &article.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Entities start without an article; callers see an empty body.
		return Article{EntityID: entityID}, nil
	}
	if err != nil {
		return Article{}, fmt.Errorf("get article: %w", err)
	}
	article.UpdatedBy = updatedBy.String
	return article, nil
}

func writeArticle(ctx context.Context, q queryer, article Article) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO articles (entity_id, markdown, updated_by)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (entity_id) DO UPDATE
		SET markdown = EXCLUDED.markdown, updated_by = EXCLUDED.updated_by, updated_at = NOW()
	`, article.EntityID, article.Markdown, article.UpdatedBy)
	if err != nil {
		return fmt.Errorf("write article: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteArticle(ctx context.Context, article Article) error {
	return writeArticle(ctx, s.db, article)
}

// --- sources ---

func (s *PostgresStore) GetSource(ctx context.Context, sourceID string) (Source, error) {
	return getSource(ctx, s.db, `id = $1`, sourceID)
}

func (s *PostgresStore) GetSourceBySlug(ctx context.Context, slug string) (Source, error) {
	return getSource(ctx, s.db, `slug = $1`, slug)
}

func getSource(ctx context.Context, q queryer, where, arg string) (Source, error) {
	var source Source
	var updatedBy sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, slug, name, description_markdown, cover_media_url, updated_by, created_at, updated_at
		FROM sources WHERE `+where, arg).
		Scan(&source.ID, &source.Slug, &source.Name, &source.DescriptionMarkdown,
			&source.CoverMediaURL, &updatedBy, &source.CreatedAt, &source.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, fmt.Errorf("get source: %w", err)
	}
	source.UpdatedBy = updatedBy.String

	source.Tags, err = loadTags(ctx, q, `
		SELECT t.name FROM source_tags st
		JOIN tags t ON t.id = st.tag_id
		WHERE st.source_id = $1
		ORDER BY t.name
	`, source.ID)
	return source, err
}

func (s *PostgresStore) ListSources(ctx context.Context, limit int) ([]Source, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, description_markdown, cover_media_url, created_at, updated_at
		FROM sources ORDER BY name LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var source Source
		if err := rows.Scan(&source.ID, &source.Slug, &source.Name, &source.DescriptionMarkdown,
			&source.CoverMediaURL, &source.CreatedAt, &source.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func (s *PostgresStore) InsertSource(ctx context.Context, source Source) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sources (slug, name, description_markdown, cover_media_url, updated_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id
	`, source.Slug, source.Name, source.DescriptionMarkdown, source.CoverMediaURL, source.UpdatedBy).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert source: %w", err)
	}
	if err := replaceSourceTags(ctx, s.db, id, source.Tags); err != nil {
		return "", err
	}
	return id, nil
}

func writeSource(ctx context.Context, q queryer, source Source) error {
	result, err := q.ExecContext(ctx, `
		UPDATE sources
		SET slug = $2, name = $3, description_markdown = $4, cover_media_url = $5,
			updated_by = NULLIF($6, ''), updated_at = NOW()
		WHERE id = $1
	`, source.ID, source.Slug, source.Name, source.DescriptionMarkdown, source.CoverMediaURL, source.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return replaceSourceTags(ctx, q, source.ID, source.Tags)
}

func (s *PostgresStore) WriteSource(ctx context.Context, source Source) error {
	return writeSource(ctx, s.db, source)
}

// --- tags ---

func loadTags(ctx context.Context, q queryer, query, arg string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ensureTag interns a tag name into the catalog and returns its id.
func ensureTag(ctx context.Context, q queryer, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure tag %q: %w", name, err)
	}
	return id, nil
}

func replaceEntityTags(ctx context.Context, q queryer, entityID string, tags []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM entity_tags WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("clear entity tags: %w", err)
	}
	for position, tag := range tags {
		tagID, err := ensureTag(ctx, q, tag)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO entity_tags (entity_id, tag_id, position) VALUES ($1, $2, $3)
		`, entityID, tagID, position); err != nil {
			return fmt.Errorf("link entity tag: %w", err)
		}
	}
	return nil
}

func replaceSourceTags(ctx context.Context, q queryer, sourceID string, tags []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM source_tags WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("clear source tags: %w", err)
	}
	for _, tag := range tags {
		tagID, err := ensureTag(ctx, q, tag)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO source_tags (source_id, tag_id) VALUES ($1, $2)
		`, sourceID, tagID); err != nil {
			return fmt.Errorf("link source tag: %w", err)
		}
	}
	return nil
}

// --- proposals ---

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO proposals (target_kind, target_id, scope, base_payload, proposed_payload, comment, proposer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, proposal.TargetKind, proposal.TargetID, proposal.Scope,
		proposal.BasePayload, proposal.ProposedPayload, proposal.Comment, proposal.ProposerID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create proposal: %w", err)
	}
	return id, nil
}

const proposalColumns = `
	id, target_kind, target_id, scope, base_payload, proposed_payload, comment,
	status, report_triggered, review_note, proposer_id, COALESCE(resolved_by::text, ''), resolved_at, created_at
`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var proposal Proposal
	err := row.Scan(&proposal.ID, &proposal.TargetKind, &proposal.TargetID, &proposal.Scope,
		&proposal.BasePayload, &proposal.ProposedPayload, &proposal.Comment,
		&proposal.Status, &proposal.ReportTriggered, &proposal.ReviewNote, &proposal.ProposerID,
		&proposal.ResolvedBy, &proposal.ResolvedAt, &proposal.CreatedAt)
	return proposal, err
}

func getProposal(ctx context.Context, q queryer, proposalID string) (Proposal, error) {
	proposal, err := scanProposal(q.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, proposalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, ErrNotFound
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return proposal, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return getProposal(ctx, s.db, proposalID)
}

func (s *PostgresStore) ListProposals(ctx context.Context, status string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

// HasPendingProposal reports whether the target already carries a
// pending proposal for the given scope.
func (s *PostgresStore) HasPendingProposal(ctx context.Context, targetKind, targetID, scope string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM proposals
			WHERE target_kind = $1 AND target_id = $2 AND scope = $3 AND status = 'pending'
		)
	`, targetKind, targetID, scope).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending proposal: %w", err)
	}
	return exists, nil
}

// resolveProposal flips a pending proposal to a terminal status. The
// status guard makes concurrent resolutions race-safe: exactly one
// caller observes resolved=true.
func resolveProposal(ctx context.Context, q queryer, proposalID, status, resolvedBy, reviewNote string, reportTriggered bool) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE proposals
		SET status = $2, resolved_by = $3, resolved_at = NOW(), report_triggered = $4, review_note = $5
		WHERE id = $1 AND status = 'pending'
	`, proposalID, status, resolvedBy, reportTriggered, reviewNote)
	if err != nil {
		return false, fmt.Errorf("resolve proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve proposal: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) ResolveProposal(ctx context.Context, proposalID, status, resolvedBy, reviewNote string, reportTriggered bool) (bool, error) {
	return resolveProposal(ctx, s.db, proposalID, status, resolvedBy, reviewNote, reportTriggered)
}

// --- change events ---

func appendChangeEvent(ctx context.Context, q queryer, event ChangeEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO change_events (target_kind, target_id, proposal_id, kind, actor_id, payload)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, event.TargetKind, event.TargetID, event.ProposalID, event.Kind, event.ActorID, payload)
	if err != nil {
		return fmt.Errorf("append change event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendChangeEvent(ctx context.Context, event ChangeEvent) error {
	return appendChangeEvent(ctx, s.db, event)
}

func (s *PostgresStore) ListChangeEvents(ctx context.Context, targetKind, targetID string, limit int) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_kind, target_id, proposal_id, kind, COALESCE(actor_id::text, ''), payload, created_at
		FROM change_events
		WHERE target_kind = $1 AND target_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, targetKind, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		var event ChangeEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.TargetKind, &event.TargetID, &event.ProposalID,
			&event.Kind, &event.ActorID, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// --- unsorted files ---

func (s *PostgresStore) InsertUnsortedFile(ctx context.Context, file UnsortedFile) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO unsorted_files (object_key, original_name, content_type, size, uploaded_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, file.ObjectKey, file.OriginalName, file.ContentType, file.Size, file.UploadedBy).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert unsorted file: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetUnsortedFile(ctx context.Context, fileID string) (UnsortedFile, error) {
	var file UnsortedFile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, object_key, original_name, content_type, size, uploaded_by, source_id, status, created_at
		FROM unsorted_files WHERE id = $1
	`, fileID).Scan(&file.ID, &file.ObjectKey, &file.OriginalName, &file.ContentType,
		&file.Size, &file.UploadedBy, &file.SourceID, &file.Status, &file.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UnsortedFile{}, ErrNotFound
	}
	if err != nil {
		return UnsortedFile{}, fmt.Errorf("get unsorted file: %w", err)
	}
	return file, nil
}

func (s *PostgresStore) ListStagedFiles(ctx context.Context, limit int) ([]UnsortedFile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, object_key, original_name, content_type, size, uploaded_by, source_id, status, created_at
		FROM unsorted_files
		WHERE status = 'staged'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list staged files: %w", err)
	}
	defer rows.Close()

	var files []UnsortedFile
	for rows.Next() {
		var file UnsortedFile
		if err := rows.Scan(&file.ID, &file.ObjectKey, &file.OriginalName, &file.ContentType,
			&file.Size, &file.UploadedBy, &file.SourceID, &file.Status, &file.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unsorted file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// AttachUnsortedFile binds a staged file to a source. Returns false if
// the file was already attached or discarded.
func (s *PostgresStore) AttachUnsortedFile(ctx context.Context, fileID, sourceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE unsorted_files
		SET status = 'attached', source_id = $2
		WHERE id = $1 AND status = 'staged'
	`, fileID, sourceID)
	if err != nil {
		return false, fmt.Errorf("attach unsorted file: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach unsorted file: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) DiscardUnsortedFile(ctx context.Context, fileID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE unsorted_files SET status = 'discarded' WHERE id = $1 AND status = 'staged'
	`, fileID)
	if err != nil {
		return false, fmt.Errorf("discard unsorted file: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("discard unsorted file: %w", err)
	}
	return affected == 1, nil
}

// --- api keys ---

func (s *PostgresStore) InsertAPIKey(ctx context.Context, key APIKey) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (user_id, name, secret_hash) VALUES ($1, $2, $3) RETURNING id
	`, key.UserID, key.Name, key.SecretHash).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (APIKey, error) {
	var key APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, secret_hash, created_at, last_used_at
		FROM api_keys WHERE id = $1
	`, keyID).Scan(&key.ID, &key.UserID, &key.Name, &key.SecretHash, &key.CreatedAt, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, keyID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// --- summary ---

func (s *PostgresStore) SummaryCounts(ctx context.Context) (entities, sources, pending int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM sources),
			(SELECT COUNT(*) FROM proposals WHERE status = 'pending')
	`).Scan(&entities, &sources, &pending)
	if err != nil {
		err = fmt.Errorf("summary counts: %w", err)
	}
	return entities, sources, pending, err
}
