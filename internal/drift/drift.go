// Package drift measures how far the workspace has diverged from the
// indexed catalog. It prefers asking git for changed and untracked files;
// when the workspace is not a git repository (or git fails) it falls back to
// re-hashing every indexable file and comparing against the stored hashes.
package drift

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/untoldecay/memory-hub/internal/types"
	"github.com/untoldecay/memory-hub/internal/workspace"
)

// Detect returns a drift report for the workspace. knownHashes is the
// catalog's file_path -> file_hash map; its size is the denominator for the
// git-based score.
func Detect(workspaceRoot string, knownHashes map[string]string) types.DriftReport {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		root = workspaceRoot
	}

	changed, err := gitChangedFiles(root)
	if err != nil {
		return detectWithHash(root, knownHashes)
	}

	denominator := len(knownHashes)
	if denominator < 1 {
		denominator = 1
	}
	score := float64(len(changed)) / float64(denominator)
	if score > 1.0 {
		score = 1.0
	}
	return types.DriftReport{
		Method:       "git_diff",
		ChangedFiles: changed,
		DriftScore:   score,
		TotalFiles:   len(knownHashes),
	}
}

// gitChangedFiles lists modified-vs-HEAD plus untracked files, filtered to
// indexable suffixes and deduplicated.
func gitChangedFiles(root string) ([]string, error) {
	tracked, err := runGit(root, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	untracked, err := runGit(root, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	changed := []string{}
	for _, line := range append(tracked, untracked...) {
		path := strings.TrimSpace(line)
		if path == "" || !workspace.IsSupportedPath(path) || seen[path] {
			continue
		}
		seen[path] = true
		changed = append(changed, path)
	}
	sort.Strings(changed)
	return changed, nil
}

func runGit(root string, args ...string) ([]string, error) {
	cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("git %s failed", strings.Join(args, " "))
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return strings.Split(stdout.String(), "\n"), nil
}

// detectWithHash re-hashes the workspace and compares against knownHashes
// over the union of both file sets, so deletions count as drift too.
func detectWithHash(root string, knownHashes map[string]string) types.DriftReport {
	currentHashes := make(map[string]string)
	if paths, err := workspace.WalkSourceFiles(root); err == nil {
		for _, rel := range paths {
			hash, err := workspace.HashFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				continue
			}
			currentHashes[rel] = hash
		}
	}

	allKeys := make(map[string]bool, len(knownHashes)+len(currentHashes))
	for key := range knownHashes {
		allKeys[key] = true
	}
	for key := range currentHashes {
		allKeys[key] = true
	}

	changed := []string{}
	for key := range allKeys {
		if knownHashes[key] != currentHashes[key] {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)

	denominator := len(allKeys)
	if denominator < 1 {
		denominator = 1
	}
	return types.DriftReport{
		Method:       "hash_compare",
		ChangedFiles: changed,
		DriftScore:   float64(len(changed)) / float64(denominator),
		TotalFiles:   len(allKeys),
	}
}
