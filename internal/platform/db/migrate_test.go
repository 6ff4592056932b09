package db

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/phimarket/compliance/migrations"
)

func TestLoadMigrations(t *testing.T) {
	tests := []struct {
		name     string
		fsys     fstest.MapFS
		versions []int
		wantErr  string
	}{
		{
			name: "sorted by version",
			fsys: fstest.MapFS{
				"010_indexes.sql":        {Data: []byte("SELECT 10;")},
				"002_consent_record.sql": {Data: []byte("SELECT 2;")},
				"001_audit_log.sql":      {Data: []byte("SELECT 1;")},
			},
			versions: []int{1, 2, 10},
		},
		{
			name: "skips files without a numeric prefix",
			fsys: fstest.MapFS{
				"001_valid.sql":      {Data: []byte("SELECT 1;")},
				"readme.sql":         {Data: []byte("-- none")},
				"notes.txt":          {Data: []byte("text")},
				"abc_invalid.sql":    {Data: []byte("-- bad")},
				"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
			},
			versions: []int{1},
		},
		{
			name: "duplicate versions",
			fsys: fstest.MapFS{
				"001_a.sql": {Data: []byte("SELECT 1;")},
				"01_b.sql":  {Data: []byte("SELECT 1;")},
			},
			wantErr: "duplicate migration version 1",
		},
		{name: "empty", fsys: fstest.MapFS{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			migs, err := NewMigrator(nil, tt.fsys).LoadMigrations()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected %q error, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadMigrations() error: %v", err)
			}
			if len(migs) != len(tt.versions) {
				t.Fatalf("expected %d migrations, got %d", len(tt.versions), len(migs))
			}
			for i, v := range tt.versions {
				if migs[i].Version != v {
					t.Errorf("migration[%d]: expected version %d, got %d", i, v, migs[i].Version)
				}
				if migs[i].SQL == "" {
					t.Errorf("migration[%d]: empty SQL", i)
				}
			}
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(migs))
	}

	// columns written by transport.PGTransport
	want := map[string][]string{
		"001_audit_log.sql":      {"entry_id", "action", "actor", "ip", "user_agent", "details", "sensitive", "occurred_at"},
		"002_consent_record.sql": {"record_id", "subject_id", "consent_type", "granted", "purpose", "details", "decided_at"},
	}
	for _, m := range migs {
		for _, col := range want[m.Name] {
			if !strings.Contains(m.SQL, col) {
				t.Errorf("%s: missing column %s", m.Name, col)
			}
		}
		if !strings.Contains(m.SQL, "IF NOT EXISTS") {
			t.Errorf("%s: migrations must be re-runnable", m.Name)
		}
	}
}
