// Package workspace holds the shared rules for what counts as indexable
// source in a project workspace: which suffixes, which directories to skip,
// the size cap, and content hashing. Both the catalog indexer and the drift
// detector walk with these rules so their file sets always agree.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileBytes is the largest file the indexer will read.
const MaxFileBytes = 1_000_000

var supportedSuffixes = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".dart": "dart",
}

var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".idea":        true,
	".vscode":      true,
	"node_modules": true,
	"build":        true,
	"dist":         true,
	".dart_tool":   true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// IgnoredDir reports whether a directory name is excluded from walks.
func IgnoredDir(name string) bool {
	return ignoredDirs[name]
}

// IsSupportedPath reports whether the file's suffix is indexable.
func IsSupportedPath(path string) bool {
	_, ok := supportedSuffixes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// InferLanguage maps a file suffix to its language name, "text" when unknown.
func InferLanguage(path string) string {
	if language, ok := supportedSuffixes[strings.ToLower(filepath.Ext(path))]; ok {
		return language
	}
	return "text"
}

// WalkSourceFiles returns the slash-separated relative paths of every
// indexable file under root, sorted by the walk order (lexicographic).
// Ignored directories are pruned; oversized and unreadable files skipped.
func WalkSourceFiles(root string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	var paths []string
	err = filepath.WalkDir(absRoot, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == absRoot {
				return walkErr
			}
			return nil
		}
		if entry.IsDir() {
			if path != absRoot && ignoredDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsSupportedPath(path) {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.Size() > MaxFileBytes {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	return paths, nil
}

// HashFile returns the hex sha256 of the file's exact bytes. Line endings
// are not normalised: a CRLF rewrite is a content change.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
