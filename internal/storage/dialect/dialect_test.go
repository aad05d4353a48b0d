package dialect

import (
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", DialectType("mysql"), "", true},
		{"unknown", DialectType("unknown"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantErr    bool
	}{
		{"sqlite", "sqlite", false},
		{"sqlite3", "sqlite", false},
		{"postgres", "postgres", false},
		{"postgresql", "postgres", false},
		{"pgx", "postgres", false},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestSQLiteDialect_Rebind(t *testing.T) {
	d := &sqliteDialect{}
	query := "SELECT * FROM targets WHERE name = ? AND version = ?"
	got := d.Rebind(query)
	if got != query {
		t.Errorf("Rebind() = %v, want %v", got, query)
	}
}

func TestPostgresDialect_Rebind(t *testing.T) {
	d := &postgresDialect{}
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT * FROM targets WHERE name = ?", "SELECT * FROM targets WHERE name = $1"},
		{"UPDATE targets SET state = ? WHERE name = ? AND version = ?", "UPDATE targets SET state = $1 WHERE name = $2 AND version = $3"},
		{"SELECT * FROM targets", "SELECT * FROM targets"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := d.Rebind(tt.query)
			if got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteDialect_UpsertClause(t *testing.T) {
	d := &sqliteDialect{}

	got := d.UpsertClause("dedup_key", nil)
	want := "ON CONFLICT(dedup_key) DO NOTHING"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}

	got = d.UpsertClause("name", []string{"state", "version"})
	want = "ON CONFLICT(name) DO UPDATE SET state=excluded.state, version=excluded.version"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}
}

func TestPostgresDialect_UpsertClause(t *testing.T) {
	d := &postgresDialect{}

	got := d.UpsertClause("dedup_key", nil)
	want := "ON CONFLICT (dedup_key) DO NOTHING"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}

	got = d.UpsertClause("name", []string{"state", "version"})
	want = "ON CONFLICT (name) DO UPDATE SET state = EXCLUDED.state, version = EXCLUDED.version"
	if got != want {
		t.Errorf("UpsertClause() = %v, want %v", got, want)
	}
}

func TestDialect_Types(t *testing.T) {
	tests := []struct {
		name          string
		dialect       Dialect
		boolType      string
		timestampType string
		jsonType      string
	}{
		{"sqlite", &sqliteDialect{}, "INTEGER", "TIMESTAMP", "TEXT"},
		{"postgres", &postgresDialect{}, "BOOLEAN", "TIMESTAMP WITH TIME ZONE", "JSONB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.BooleanType(); got != tt.boolType {
				t.Errorf("BooleanType() = %v, want %v", got, tt.boolType)
			}
			if got := tt.dialect.TimestampType(); got != tt.timestampType {
				t.Errorf("TimestampType() = %v, want %v", got, tt.timestampType)
			}
			if got := tt.dialect.JSONType(); got != tt.jsonType {
				t.Errorf("JSONType() = %v, want %v", got, tt.jsonType)
			}
		})
	}
}

func TestDialect_PragmaStatements(t *testing.T) {
	sqliteD := &sqliteDialect{}
	if len(sqliteD.PragmaStatements()) == 0 {
		t.Error("SQLite should have pragma statements")
	}

	pgD := &postgresDialect{}
	if pgD.PragmaStatements() != nil {
		t.Error("PostgreSQL should not have pragma statements")
	}
}

func TestDialect_Partitioning(t *testing.T) {
	month := time.Date(2026, time.December, 17, 13, 0, 0, 0, time.UTC)

	sqliteD := &sqliteDialect{}
	if sqliteD.PartitionClause("received_at") != "" || sqliteD.PartitionStatements("ingress_requests", month) != nil {
		t.Error("SQLite should not partition")
	}

	pgD := &postgresDialect{}
	if got := pgD.PartitionClause("received_at"); got != " PARTITION BY RANGE (received_at)" {
		t.Errorf("PartitionClause() = %q", got)
	}
	stmts := pgD.PartitionStatements("ingress_requests", month)
	if len(stmts) != 1 {
		t.Fatalf("PartitionStatements() = %v", stmts)
	}
	for _, want := range []string{"ingress_requests_2026_12", "'2026-12-01T00:00:00Z'", "'2027-01-01T00:00:00Z'"} {
		if !strings.Contains(stmts[0], want) {
			t.Errorf("partition DDL %q missing %q", stmts[0], want)
		}
	}
}

func TestMonthStart(t *testing.T) {
	in := time.Date(2026, time.March, 31, 23, 59, 0, 0, time.FixedZone("x", -5*3600))
	got := MonthStart(in)
	want := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("MonthStart() = %v, want %v", got, want)
	}
}
