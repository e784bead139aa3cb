package drift

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/memory-hub/internal/workspace"
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

func TestDetectFallsBackToHashCompareOutsideGit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "import os\n")
	writeFile(t, root, "src/b.py", "import sys\n")

	hashA, err := workspace.HashFile(filepath.Join(root, "src", "a.py"))
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	hashB, err := workspace.HashFile(filepath.Join(root, "src", "b.py"))
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}

	// Unchanged workspace: no drift.
	report := Detect(root, map[string]string{"src/a.py": hashA, "src/b.py": hashB})
	if report.Method != "hash_compare" {
		t.Fatalf("method = %s, want hash_compare outside a git repo", report.Method)
	}
	if report.DriftScore != 0 || len(report.ChangedFiles) != 0 {
		t.Errorf("unchanged workspace drift = %+v, want zero", report)
	}

	// One modified file out of two.
	writeFile(t, root, "src/a.py", "import os, json\n")
	report = Detect(root, map[string]string{"src/a.py": hashA, "src/b.py": hashB})
	if len(report.ChangedFiles) != 1 || report.ChangedFiles[0] != "src/a.py" {
		t.Errorf("changed = %v, want [src/a.py]", report.ChangedFiles)
	}
	if report.DriftScore != 0.5 {
		t.Errorf("drift score = %v, want 0.5", report.DriftScore)
	}
}

func TestDetectHashCountsDeletionsAndAdditions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "new.py", "import a\n")

	// Catalog knows a file that is gone; workspace has a file the catalog
	// does not. Both count over the union.
	report := Detect(root, map[string]string{"gone.py": "sha-old"})
	if report.Method != "hash_compare" {
		t.Fatalf("method = %s, want hash_compare", report.Method)
	}
	if len(report.ChangedFiles) != 2 || report.TotalFiles != 2 {
		t.Errorf("report = %+v, want 2 changed over union of 2", report)
	}
	if report.DriftScore != 1.0 {
		t.Errorf("drift score = %v, want 1.0", report.DriftScore)
	}
}

func TestDetectIgnoresUnsupportedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# hi\n")
	writeFile(t, root, "node_modules/dep/index.js", "module.exports = 1\n")

	report := Detect(root, map[string]string{})
	if len(report.ChangedFiles) != 0 {
		t.Errorf("changed = %v, want empty for unsupported/ignored files", report.ChangedFiles)
	}
}
