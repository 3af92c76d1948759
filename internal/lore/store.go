package lore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/storyloom/storyloom/internal/workflow"
)

// Store persists canon over sqlite. Safe for concurrent use from multiple
// runs; sqlite serializes writers internally.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		id TEXT PRIMARY KEY,
		parent_id TEXT REFERENCES scopes(id),
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL REFERENCES scopes(id),
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entity_links (
		from_id TEXT NOT NULL REFERENCES entities(id),
		to_id TEXT NOT NULL REFERENCES entities(id),
		relation TEXT NOT NULL,
		UNIQUE(from_id, to_id, relation)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_scope ON entities(scope_id);
	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
	CREATE INDEX IF NOT EXISTS idx_links_from ON entity_links(from_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS lore_fts USING fts5(name, content, entity_id UNINDEXED);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateScope adds a scope under parentID ("" for a root scope).
func (s *Store) CreateScope(ctx context.Context, parentID, name, kind string) (*Scope, error) {
	scope := &Scope{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Name:     name,
		Kind:     kind,
	}

	var parent any
	if parentID != "" {
		parent = parentID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scopes (id, parent_id, name, kind) VALUES (?, ?, ?, ?)`,
		scope.ID, parent, name, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("create scope: %w", err)
	}
	return scope, nil
}

// GetScope looks a scope up by id.
func (s *Store) GetScope(ctx context.Context, id string) (*Scope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, name, kind, created_at FROM scopes WHERE id = ?`, id,
	)

	var scope Scope
	var parent sql.NullString
	var created sql.NullTime
	if err := row.Scan(&scope.ID, &parent, &scope.Name, &scope.Kind, &created); err != nil {
		return nil, err
	}
	if parent.Valid {
		scope.ParentID = parent.String
	}
	if created.Valid {
		scope.CreatedAt = created.Time
	}
	return &scope, nil
}

// FindScope resolves a scope by name. Returns the first match.
func (s *Store) FindScope(ctx context.Context, name string) (*Scope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM scopes WHERE name = ? ORDER BY created_at LIMIT 1`, name,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		return nil, err
	}
	return s.GetScope(ctx, id)
}

// ScopeChain returns the scope and its ancestors, innermost first.
func (s *Store) ScopeChain(ctx context.Context, scopeID string) ([]Scope, error) {
	var chain []Scope
	id := scopeID
	for id != "" {
		scope, err := s.GetScope(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("scope chain at %s: %w", id, err)
		}
		chain = append(chain, *scope)
		if len(chain) > 64 {
			return nil, fmt.Errorf("scope chain too deep, cycle at %s?", id)
		}
		id = scope.ParentID
	}
	return chain, nil
}

// CreateEntity adds a canon fact to a scope.
func (s *Store) CreateEntity(ctx context.Context, scopeID, kind, name, content string, tags []string) (*Entity, error) {
	e := &Entity{
		ID:      uuid.NewString(),
		ScopeID: scopeID,
		Kind:    kind,
		Name:    name,
		Content: content,
		Tags:    tags,
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (id, scope_id, kind, name, content, tags) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, scopeID, kind, name, content, string(tagsJSON),
	); err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lore_fts (name, content, entity_id) VALUES (?, ?, ?)`,
		name, content, e.ID,
	); err != nil {
		return nil, fmt.Errorf("index entity: %w", err)
	}

	return e, tx.Commit()
}

// UpdateEntity replaces an entity's content and reindexes it.
func (s *Store) UpdateEntity(ctx context.Context, id, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now(), id,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE lore_fts SET content = ? WHERE entity_id = ?`,
		content, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// GetEntity looks an entity up by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope_id, kind, name, content, tags, created_at, updated_at
		 FROM entities WHERE id = ?`, id,
	)
	return scanEntity(row)
}

// Link records a directed relation between two entities.
func (s *Store) Link(ctx context.Context, fromID, toID, relation string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entity_links (from_id, to_id, relation) VALUES (?, ?, ?)`,
		fromID, toID, relation,
	)
	return err
}

// LinksFor returns outgoing links of an entity.
func (s *Store) LinksFor(ctx context.Context, entityID string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, relation FROM entity_links WHERE from_id = ?`, entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Relation); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// Search runs a full-text lookup over entity names and content.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.scope_id, e.kind, e.name, e.content, e.tags, e.created_at, e.updated_at
		 FROM lore_fts f
		 JOIN entities e ON e.id = f.entity_id
		 WHERE lore_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`,
		ftsQuery(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lore search: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// ConstraintsFor walks up the scope hierarchy from scopeID and returns
// entities of the given kinds that apply there. Empty kinds means all kinds.
func (s *Store) ConstraintsFor(ctx context.Context, scopeID string, kinds ...string) ([]Entity, error) {
	chain, err := s.ScopeChain(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(chain)+len(kinds))
	scopeMarks := make([]string, len(chain))
	for i, sc := range chain {
		scopeMarks[i] = "?"
		args = append(args, sc.ID)
	}

	q := `SELECT id, scope_id, kind, name, content, tags, created_at, updated_at
	      FROM entities WHERE scope_id IN (` + strings.Join(scopeMarks, ",") + `)`
	if len(kinds) > 0 {
		kindMarks := make([]string, len(kinds))
		for i, k := range kinds {
			kindMarks[i] = "?"
			args = append(args, k)
		}
		q += ` AND kind IN (` + strings.Join(kindMarks, ",") + `)`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("constraints for %s: %w", scopeID, err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// Reader adapts the store to the collaborator contract steps consume.
func (s *Store) Reader() workflow.LoreReader {
	return &reader{s: s}
}

type reader struct {
	s *Store
}

func (r *reader) ConstraintsFor(ctx context.Context, scopeID string, kinds ...string) ([]workflow.Constraint, error) {
	entities, err := r.s.ConstraintsFor(ctx, scopeID, kinds...)
	if err != nil {
		return nil, err
	}
	return toConstraints(entities), nil
}

func (r *reader) Lookup(ctx context.Context, query string, limit int) ([]workflow.Constraint, error) {
	entities, err := r.s.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return toConstraints(entities), nil
}

func toConstraints(entities []Entity) []workflow.Constraint {
	out := make([]workflow.Constraint, len(entities))
	for i, e := range entities {
		out[i] = workflow.Constraint{ID: e.ID, Kind: e.Kind, Name: e.Name, Content: e.Content}
	}
	return out
}

// ftsQuery quotes each term so user input cannot inject FTS5 operators.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var tagsJSON sql.NullString
	var created, updated sql.NullTime

	err := row.Scan(&e.ID, &e.ScopeID, &e.Kind, &e.Name, &e.Content, &tagsJSON, &created, &updated)
	if err != nil {
		return nil, err
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return nil, err
		}
	}
	if created.Valid {
		e.CreatedAt = created.Time
	}
	if updated.Valid {
		e.UpdatedAt = updated.Time
	}
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]Entity, error) {
	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}
