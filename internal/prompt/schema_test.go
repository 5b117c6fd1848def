package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSchemaReadsVerbatim(t *testing.T) {
	schema := "CREATE TABLE orders (\n  id INTEGER PRIMARY KEY,\n  total REAL\n);\n"
	path := filepath.Join(t.TempDir(), "schema.txt")
	if err := os.WriteFile(path, []byte(schema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	got, err := LoadSchema(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if got != schema {
		t.Fatalf("schema altered: %q", got)
	}
}

func TestLoadSchemaErrors(t *testing.T) {
	if _, err := LoadSchema(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadSchema(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
