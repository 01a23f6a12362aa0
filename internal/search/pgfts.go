package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const entityVector = `to_tsvector('english', e.name || ' ' || e.title || ' ' || coalesce(a.markdown, ''))`
const sourceVector = `to_tsvector('english', s.name || ' ' || s.slug || ' ' || s.description_markdown)`

// Search executes a UNION ALL query across entities and sources using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultEntity {
		where := entityVector + " @@ " + tsQuery
		if q.FilterTag != "" {
			where += fmt.Sprintf(` AND EXISTS (
				SELECT 1 FROM entity_tags et JOIN tags t ON t.id = et.tag_id
				WHERE et.entity_id = e.id AND t.name = $%d)`, argN)
			args = append(args, q.FilterTag)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'entity'::text AS type, e.id::text, e.name AS title,
				ts_headline('english', coalesce(a.markdown, e.title), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS slug,
				ts_rank(%s, %s) AS rank
			FROM entities e
			LEFT JOIN articles a ON a.entity_id = e.id
			WHERE %s`, tsQuery, entityVector, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultSource {
		where := sourceVector + " @@ " + tsQuery
		if q.FilterTag != "" {
			where += fmt.Sprintf(` AND EXISTS (
				SELECT 1 FROM source_tags st JOIN tags t ON t.id = st.tag_id
				WHERE st.source_id = s.id AND t.name = $%d)`, argN)
			args = append(args, q.FilterTag)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'source'::text AS type, s.id::text, s.name AS title,
				ts_headline('english', s.description_markdown, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.slug,
				ts_rank(%s, %s) AS rank
			FROM sources s
			WHERE %s`, tsQuery, sourceVector, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, slug
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Slug); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntityRecord, []SourceRecord, error) {
	entityRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.title, coalesce(a.markdown, ''),
			coalesce(string_agg(t.name, ',' ORDER BY et.position), '')
		FROM entities e
		LEFT JOIN articles a ON a.entity_id = e.id
		LEFT JOIN entity_tags et ON et.entity_id = e.id
		LEFT JOIN tags t ON t.id = et.tag_id
		GROUP BY e.id, e.name, e.title, a.markdown
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load entities: %w", err)
	}
	defer entityRows.Close()

	entities := make([]EntityRecord, 0)
	for entityRows.Next() {
		var e EntityRecord
		var tags string
		if err := entityRows.Scan(&e.ID, &e.Name, &e.Title, &e.Article, &tags); err != nil {
			return nil, nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Tags = splitTags(tags)
		entities = append(entities, e)
	}
	if err := entityRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate entities: %w", err)
	}

	sourceRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.slug, s.name, s.description_markdown,
			coalesce(string_agg(t.name, ',' ORDER BY t.name), '')
		FROM sources s
		LEFT JOIN source_tags st ON st.source_id = s.id
		LEFT JOIN tags t ON t.id = st.tag_id
		GROUP BY s.id, s.slug, s.name, s.description_markdown
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sources: %w", err)
	}
	defer sourceRows.Close()

	sources := make([]SourceRecord, 0)
	for sourceRows.Next() {
		var s SourceRecord
		var tags string
		if err := sourceRows.Scan(&s.ID, &s.Slug, &s.Name, &s.Description, &tags); err != nil {
			return nil, nil, fmt.Errorf("scan source: %w", err)
		}
		s.Tags = splitTags(tags)
		sources = append(sources, s)
	}
	if err := sourceRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sources: %w", err)
	}

	return entities, sources, nil
}

func splitTags(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
