package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestExtractImportsPython(t *testing.T) {
	text := strings.Join([]string{
		"import os",
		"import json, hashlib as h",
		"from pathlib import Path",
		"from .local import helper",
		"from . import sibling",
		"",
		"def main():",
		"    import sqlite3",
	}, "\n")

	imports := ExtractImports("python", text)
	var modules []string
	for _, imp := range imports {
		if imp.SourceType != "ast" || imp.Confidence != 1.0 {
			t.Errorf("python import %+v, want ast/1.0", imp)
		}
		modules = append(modules, imp.ToModule)
	}

	want := []string{"os", "json", "hashlib", "pathlib", "local", "sqlite3"}
	if len(modules) != len(want) {
		t.Fatalf("modules = %v, want %v", modules, want)
	}
	for i := range want {
		if modules[i] != want[i] {
			t.Errorf("modules[%d] = %s, want %s", i, modules[i], want[i])
		}
	}
}

func TestExtractImportsPythonFallsBackToInference(t *testing.T) {
	// No python import statements at all; the regex pass still sees the
	// embedded require call.
	text := `x = require("leftpad")`
	imports := ExtractImports("python", text)
	if len(imports) != 1 || imports[0].SourceType != "inferred" || imports[0].Confidence != 0.5 {
		t.Errorf("imports = %+v, want one inferred/0.5", imports)
	}
}

func TestExtractImportsJavaScript(t *testing.T) {
	text := strings.Join([]string{
		`import React from 'react'`,
		`import { useState } from "react"`,
		`import './styles.css'`,
		`const fs = require('fs')`,
	}, "\n")

	imports := ExtractImports("javascript", text)
	var modules []string
	for _, imp := range imports {
		if imp.SourceType != "inferred" || imp.Confidence != 0.5 {
			t.Errorf("js import %+v, want inferred/0.5", imp)
		}
		modules = append(modules, imp.ToModule)
	}

	// Unique and sorted.
	want := []string{"./styles.css", "fs", "react"}
	if len(modules) != len(want) {
		t.Fatalf("modules = %v, want %v", modules, want)
	}
	for i := range want {
		if modules[i] != want[i] {
			t.Errorf("modules[%d] = %s, want %s", i, modules[i], want[i])
		}
	}
}

func TestBuildSnapshotWalksAndFilters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/app.py", "import os\nimport json\n")
	writeFile(t, root, "web/index.ts", `import x from 'lib'`)
	writeFile(t, root, "README.md", "# docs\n")
	writeFile(t, root, "node_modules/dep/index.js", "module.exports = 1\n")
	writeFile(t, root, ".git/config.py", "ignored = True\n")

	big := make([]byte, 1_000_001)
	writeFile(t, root, "huge.py", string(big))

	snapshot, err := BuildSnapshot(root)
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}

	if len(snapshot.Files) != 2 {
		t.Fatalf("files = %+v, want exactly src/app.py and web/index.ts", snapshot.Files)
	}
	byPath := make(map[string]int)
	for _, file := range snapshot.Files {
		byPath[file.FilePath] = file.ImportCount
	}
	if byPath["src/app.py"] != 2 {
		t.Errorf("src/app.py import_count = %d, want 2", byPath["src/app.py"])
	}
	if byPath["web/index.ts"] != 1 {
		t.Errorf("web/index.ts import_count = %d, want 1", byPath["web/index.ts"])
	}
	if len(snapshot.Edges) != 3 {
		t.Errorf("edges = %+v, want 3", snapshot.Edges)
	}
	if !snapshot.FullRebuild {
		t.Error("snapshot not marked full rebuild")
	}
}
