package config

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/hazyhaar/horosdom/elemwatch/event"
)

// Schema for the watch_rules table.
const Schema = `
CREATE TABLE IF NOT EXISTS watch_rules (
	name       TEXT PRIMARY KEY,
	selector   TEXT NOT NULL DEFAULT '',
	tag        TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	class      TEXT NOT NULL DEFAULT '',
	element_id TEXT NOT NULL DEFAULT '',
	once       INTEGER NOT NULL DEFAULT 0,
	root       TEXT NOT NULL DEFAULT '',
	markdown   INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'active',
	updated_at INTEGER NOT NULL
);
`

// OpenDB opens the rules database with WAL and a busy timeout, and
// creates the schema.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("config: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: schema: %w", err)
	}
	return db, nil
}

// LoadRules reads every active rule, ordered by name.
func LoadRules(ctx context.Context, db *sql.DB) ([]event.Rule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, selector, tag, text, class, element_id, once, root, markdown
		FROM watch_rules
		WHERE status = 'active'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("config: load rules: %w", err)
	}
	defer rows.Close()

	var rules []event.Rule
	for rows.Next() {
		var r event.Rule
		var once, md int
		if err := rows.Scan(&r.Name, &r.Selector, &r.Tag, &r.Text, &r.Class,
			&r.ID, &once, &r.Root, &md); err != nil {
			return nil, fmt.Errorf("config: scan rule: %w", err)
		}
		r.Once = once != 0
		r.Markdown = md != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpsertRule inserts or replaces a rule and marks it active.
func UpsertRule(ctx context.Context, db *sql.DB, r event.Rule) error {
	if r.Name == "" {
		return fmt.Errorf("config: upsert rule: name is required")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO watch_rules (name, selector, tag, text, class, element_id, once, root, markdown, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)
		ON CONFLICT(name) DO UPDATE SET
			selector = excluded.selector, tag = excluded.tag, text = excluded.text,
			class = excluded.class, element_id = excluded.element_id, once = excluded.once,
			root = excluded.root, markdown = excluded.markdown,
			status = 'active', updated_at = excluded.updated_at
	`, r.Name, r.Selector, r.Tag, r.Text, r.Class, r.ID, boolInt(r.Once), r.Root, boolInt(r.Markdown),
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("config: upsert rule %q: %w", r.Name, err)
	}
	return nil
}

// DisableRule marks a rule inactive without deleting it.
func DisableRule(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE watch_rules SET status = 'disabled', updated_at = ? WHERE name = ?`,
		time.Now().UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("config: disable rule %q: %w", name, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
