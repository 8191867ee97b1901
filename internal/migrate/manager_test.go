package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"peopledesk.org/ops/migrations"
)

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements("create table a (x text);\ninsert into a values ('x;y');\nselect 1")
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "insert into a values ('x;y')" {
		t.Fatalf("quoted semicolon split: %q", stmts[1])
	}
}

func TestSplitStatementsDropsComments(t *testing.T) {
	src := "-- owner; keep out\ninsert into a values ('it''s -- fine');\n;\n-- trailing"
	stmts := splitStatements(src)
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "insert into a values ('it''s -- fine')" {
		t.Fatalf("unexpected statement %q", stmts[0])
	}
}

func expectJournals(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id text);\ncreate index b_idx on b (id);")},
	}

	expectJournals(mock)
	mock.ExpectQuery("select name from schema_migrations order by name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations (name) values ($1)")).
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewManager(db, fsys, "sql", "seeds").Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
}

func TestFailedMigrationIsNotRecorded(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("create table a (id text);")},
	}

	expectJournals(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := NewManager(db, fsys, "sql", "").Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "apply migration 0001_a.up.sql") {
		t.Fatalf("expected apply error, got %v", err)
	}
}

func TestSeedSkipsRecordedFiles(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"seeds/0001_admin.sql": {Data: []byte("insert into employees values ('a');")},
		"seeds/0002_more.sql":  {Data: []byte("insert into employees values ('b');")},
	}

	expectJournals(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_admin.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into employees values ('b')")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_seeds (name) values ($1)")).
		WithArgs("0002_more.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewManager(db, fsys, "sql", "seeds").Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id text);")},
		"sql/0002_b.down.sql": {Data: []byte("drop table b;")},
	}

	expectJournals(mock)
	mock.ExpectQuery("select name from schema_migrations order by name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name").
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewManager(db, fsys, "sql", "").Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
}

func TestDownWithoutDownFile(t *testing.T) {
	db, mock := newMock(t)
	expectJournals(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0009_x.up.sql"))

	err := NewManager(db, fstest.MapFS{}, "sql", "").Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock := newMock(t)
	expectJournals(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	err := NewManager(db, fstest.MapFS{}, "sql", "").Down(context.Background())
	if !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestStatusMarksPendingAndOrphaned(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("select 1;")},
		"sql/0003_c.up.sql": {Data: []byte("select 1;")},
	}
	expectJournals(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_gone.up.sql"))

	entries, err := NewManager(db, fsys, "sql", "").Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []Entry{
		{Name: "0001_a.up.sql", Applied: true},
		{Name: "0002_gone.up.sql", Applied: true},
		{Name: "0003_c.up.sql", Applied: false},
	}
	if len(entries) != len(want) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestEmbeddedSchemaIsPaired(t *testing.T) {
	ups, err := scripts(migrations.FS, "sql", upSuffix)
	if err != nil {
		t.Fatalf("scripts: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up.Path, ".up.sql") + ".down.sql"
		if _, err := migrations.FS.Open(down); err != nil {
			t.Fatalf("%s has no down migration: %v", up.Name, err)
		}
	}
	seeds, err := scripts(migrations.FS, "seeds", seedSuffix)
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds, got %v %v", seeds, err)
	}
}
