package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/izavyalov-dev/redirectory/persist"
	"github.com/izavyalov-dev/redirectory/revision"
)

func TestDumpPrintsSavedDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "revisions.json")
	backend, err := persist.NewFile(afero.NewOsFs(), path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	store, err := revision.Open(ctx, backend)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ref := revision.Reference{Name: "zlib", Version: "1.2.13", User: "github", Channel: "alice"}
	cur, err := store.ResolveRecipeRevision(ref, "r1", revision.Create)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.PutAsset(cur, "conanfile.py", revision.Asset{MD5: "abc"}); err != nil {
		t.Fatalf("put asset: %v", err)
	}
	if err := store.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out bytes.Buffer
	if err := runDump([]string{"--store-backend", "file", "--store-path", path}, &out); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out.String(), `"conanfile.py"`) || !strings.Contains(out.String(), "\n  ") {
		t.Fatalf("expected an indented document, got %s", out.String())
	}
}

func TestDumpWithoutDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	err := runDump([]string{"--store-path", path}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "no document") {
		t.Fatalf("expected an empty-store error, got %v", err)
	}
}

func TestOpenBackendRejectsUnknown(t *testing.T) {
	if err := runDump([]string{"--store-backend", "sqlite"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}
