// Package migrate applies the auth schema and dev seeds shipped under
// ops/migrations. Each script runs in its own transaction together with
// the bookkeeping row that records it.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"peopledesk.org/internal/obs"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager runs schema migrations and seeds read from fsys, usually the
// embedded ops/migrations tree or os.DirFS.
type Manager struct {
	db        *sql.DB
	fsys      fs.FS
	schemaDir string
	seedDir   string
	schema    journal
	seeds     journal
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable renames the table recording applied migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.schema.table = name
		}
	}
}

// WithSeedsTable renames the table recording applied seeds.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

// NewManager returns a Manager reading migrations from schemaDir and seeds
// from seedDir, both slash-separated paths inside fsys. An empty seedDir
// disables seeding.
func NewManager(db *sql.DB, fsys fs.FS, schemaDir, seedDir string, opts ...Option) *Manager {
	m := &Manager{
		db:        db,
		fsys:      fsys,
		schemaDir: schemaDir,
		seedDir:   seedDir,
		schema:    journal{table: "schema_migrations"},
		seeds:     journal{table: "schema_seeds"},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entry is one migration and whether it has been applied.
type Entry struct {
	Name    string
	Applied bool
}

// Up applies every migration not yet recorded, in file name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.schema, m.schemaDir, upSuffix, "migration")
}

// Seed applies every seed file not yet recorded. Seeds run once.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seeds, m.seedDir, seedSuffix, "seed")
}

// Down reverts the applied migration with the highest name.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	applied, err := m.schema.applied(ctx, m.db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	latest := applied[len(applied)-1]
	revert := script{
		Name: latest,
		Path: path.Join(m.schemaDir, strings.TrimSuffix(latest, upSuffix)+downSuffix),
	}
	if _, err := fs.Stat(m.fsys, revert.Path); err != nil {
		return fmt.Errorf("missing down migration for %s", latest)
	}
	err = m.run(ctx, revert, func(tx *sql.Tx) error { return m.schema.unmark(ctx, tx, latest) })
	if err != nil {
		return fmt.Errorf("revert %s: %w", latest, err)
	}
	obs.Info("migration reverted", map[string]any{"name": latest})
	return nil
}

// Status lists every known migration in order, including ones recorded
// in the database whose file is gone.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}
	applied, err := m.schema.applied(ctx, m.db)
	if err != nil {
		return nil, err
	}
	files, err := scripts(m.fsys, m.schemaDir, upSuffix)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, Entry{Name: f.Name, Applied: done[f.Name]})
		delete(done, f.Name)
	}
	for name := range done {
		entries = append(entries, Entry{Name: name, Applied: true})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}

func (m *Manager) prepare(ctx context.Context) error {
	for _, j := range []journal{m.schema, m.seeds} {
		if err := j.create(ctx, m.db); err != nil {
			return fmt.Errorf("create %s: %w", j.table, err)
		}
	}
	return nil
}

func (m *Manager) applyPending(ctx context.Context, j journal, dir, suffix, kind string) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	files, err := scripts(m.fsys, dir, suffix)
	if err != nil {
		return err
	}
	applied, err := j.applied(ctx, m.db)
	if err != nil {
		return err
	}
	for _, f := range files {
		if slices.Contains(applied, f.Name) {
			continue
		}
		if err := m.run(ctx, f, func(tx *sql.Tx) error { return j.mark(ctx, tx, f.Name) }); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Name, err)
		}
		obs.Info(kind+" applied", map[string]any{"name": f.Name})
	}
	return nil
}

// run executes every statement of s and then record inside one transaction.
func (m *Manager) run(ctx context.Context, s script, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.fsys, s.Path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// journal is a bookkeeping table keyed by script file name.
type journal struct{ table string }

func (j journal) create(ctx context.Context, q execQuerier) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
		name text primary key,
		applied_at timestamptz not null default now()
	)`, j.table))
	return err
}

// applied returns recorded names sorted ascending.
func (j journal) applied(ctx context.Context, q execQuerier) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name`, j.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (j journal) mark(ctx context.Context, q execQuerier, name string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`insert into %s (name) values ($1)`, j.table), name)
	return err
}

func (j journal) unmark(ctx context.Context, q execQuerier, name string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, j.table), name)
	return err
}

type script struct {
	Name string
	Path string
}

// scripts lists the files directly under dir ending in suffix, by name.
// A missing or empty dir yields no scripts.
func scripts(fsys fs.FS, dir, suffix string) ([]script, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// Seeds use the plain suffix, which also matches down files.
		if suffix == seedSuffix && strings.HasSuffix(e.Name(), downSuffix) {
			continue
		}
		out = append(out, script{Name: e.Name(), Path: path.Join(dir, e.Name())})
	}
	slices.SortFunc(out, func(a, b script) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// splitStatements cuts a script at semicolons outside single quotes and
// drops line comments and blank statements. A doubled quote inside a
// literal toggles twice and so stays inside it.
func splitStatements(src string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				cur.WriteByte(c)
			}
		case !quoted && c == '-' && i+1 < len(src) && src[i+1] == '-':
			comment = true
		case c == '\'':
			quoted = !quoted
			cur.WriteByte(c)
		case c == ';' && !quoted:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
