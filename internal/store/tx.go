package store

import (
	"context"
	"database/sql"
)

// TxStore exposes the write paths needed to resolve a proposal inside a
// single transaction: entity/source writes, the guarded status flip,
// the audit event, and privilege revocation for reports. Either all of
// them land or none do.
type TxStore struct {
	tx *sql.Tx
}

func (t *TxStore) Commit() error {
	return t.tx.Commit()
}

func (t *TxStore) Rollback() error {
	return t.tx.Rollback()
}

func (t *TxStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return getProposal(ctx, t.tx, proposalID)
}

func (t *TxStore) GetEntity(ctx context.Context, entityID string) (Entity, error) {
	return getEntity(ctx, t.tx, entityID)
}

func (t *TxStore) GetArticle(ctx context.Context, entityID string) (Article, error) {
	return getArticle(ctx, t.tx, entityID)
}

func (t *TxStore) GetSource(ctx context.Context, sourceID string) (Source, error) {
	return getSource(ctx, t.tx, `id = $1`, sourceID)
}

func (t *TxStore) WriteEntity(ctx context.Context, entity Entity) error {
	return writeEntity(ctx, t.tx, entity)
}

func (t *TxStore) WriteArticle(ctx context.Context, article Article) error {
	return writeArticle(ctx, t.tx, article)
}

func (t *TxStore) WriteSource(ctx context.Context, source Source) error {
	return writeSource(ctx, t.tx, source)
}

func (t *TxStore) ResolveProposal(ctx context.Context, proposalID, status, resolvedBy, reviewNote string, reportTriggered bool) (bool, error) {
	return resolveProposal(ctx, t.tx, proposalID, status, resolvedBy, reviewNote, reportTriggered)
}

func (t *TxStore) AppendChangeEvent(ctx context.Context, event ChangeEvent) error {
	return appendChangeEvent(ctx, t.tx, event)
}

func (t *TxStore) RevokePrivilege(ctx context.Context, userID, privilege string) error {
	return revokePrivilege(ctx, t.tx, userID, privilege)
}
