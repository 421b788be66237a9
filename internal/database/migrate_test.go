// This file validates migration SQL files to catch schema mismatches early.
package database

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"github.com/keyxmakerx/relay/migrations"
)

// validUserStates must match the users.State constants; migrations may
// only seed or default the state column to one of these.
// Defined in internal/users/model.go.
var validUserStates = map[string]bool{
	"idle":            true,
	"awaiting_phone":  true,
	"awaiting_code":   true,
	"awaiting_2fa":    true,
	"main_menu":       true,
	"running":         true,
	"session_expired": true,
}

// validDeliveryStatuses must match the deliveries.Status constants; the
// dedup query and the retry scan both filter on these literal values.
// Defined in internal/deliveries/model.go.
var validDeliveryStatuses = map[string]bool{
	"pending": true,
	"success": true,
	"failed":  true,
}

// migrationsDir returns the absolute path to migrations/ from the project root.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot determine test file path")
	}
	// thisFile is internal/database/migrate_test.go, project root is two dirs up.
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
	dir := filepath.Join(projectRoot, "migrations")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("migrations directory not found at %s: %v", dir, err)
	}
	return dir
}

// TestMigrations_UpDownPairs ensures every .up.sql has a matching .down.sql.
func TestMigrations_UpDownPairs(t *testing.T) {
	dir := migrationsDir(t)
	upFiles, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing up files: %v", err)
	}
	if len(upFiles) == 0 {
		t.Fatal("no migration files found")
	}

	for _, up := range upFiles {
		down := strings.Replace(up, ".up.sql", ".down.sql", 1)
		if _, err := os.Stat(down); err != nil {
			t.Errorf("missing down migration for %s", filepath.Base(up))
		}
	}
}

// TestMigrations_EmbeddedComplete ensures every migration file on disk is
// present in the embedded filesystem the binary actually migrates from. A
// file that misses the embed glob would silently never run in production.
func TestMigrations_EmbeddedComplete(t *testing.T) {
	dir := migrationsDir(t)
	diskFiles, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		t.Fatalf("globbing migration files: %v", err)
	}

	embedded := make(map[string]bool)
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		t.Fatalf("reading embedded migrations: %v", err)
	}
	for _, e := range entries {
		embedded[e.Name()] = true
	}

	for _, f := range diskFiles {
		if !embedded[filepath.Base(f)] {
			t.Errorf("%s exists on disk but is not embedded", filepath.Base(f))
		}
	}
}

// TestMigrations_StateAndStatusDefaults scans all .up.sql files for
// DEFAULT 'value' clauses on the users.state and delivery_log.status
// columns and validates them against the Go constants. The repositories
// filter on these literals (dedup, retry scan, bootstrap), so a typo in a
// migration default would produce rows no query ever matches.
func TestMigrations_StateAndStatusDefaults(t *testing.T) {
	dir := migrationsDir(t)
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing migration files: %v", err)
	}

	defaultPattern := regexp.MustCompile(`(?i)^\s*(state|status)\s+.*DEFAULT\s+'([^']+)'`)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("reading %s: %v", f, err)
		}

		for _, line := range strings.Split(string(data), "\n") {
			match := defaultPattern.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			column, value := strings.ToLower(match[1]), match[2]

			switch column {
			case "state":
				if !validUserStates[value] {
					t.Errorf("%s: invalid user state default %q", filepath.Base(f), value)
				}
			case "status":
				if !validDeliveryStatuses[value] {
					t.Errorf("%s: invalid delivery status default %q", filepath.Base(f), value)
				}
			}
		}
	}
}
