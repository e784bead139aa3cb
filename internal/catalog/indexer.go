// Package catalog indexes a project workspace into a file-and-import-edge
// snapshot, serves task-scoped catalog briefs with an expiring LRU cache,
// processes the refresh job queue, and reports catalog health.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/untoldecay/memory-hub/internal/types"
	"github.com/untoldecay/memory-hub/internal/workspace"
)

var (
	importFromRe = regexp.MustCompile(`import\s+[^;\n]*?from\s+['"]([^'"]+)['"]`)
	importSideRe = regexp.MustCompile(`import\s+['"]([^'"]+)['"]`)
	requireRe    = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
)

// Import is one extracted dependency of a source file.
type Import struct {
	ToModule   string
	Confidence float64
	SourceType string
}

// BuildSnapshot walks the workspace and indexes every supported file: byte
// hash, language, and import edges.
func BuildSnapshot(workspaceRoot string) (*types.Snapshot, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	paths, err := workspace.WalkSourceFiles(root)
	if err != nil {
		return nil, err
	}

	snapshot := &types.Snapshot{
		WorkspaceRoot: root,
		Files:         []types.CatalogFile{},
		Edges:         []types.CatalogEdge{},
		FullRebuild:   true,
	}

	for _, rel := range paths {
		fullPath := filepath.Join(root, filepath.FromSlash(rel))
		content, err := os.ReadFile(fullPath)
		if err != nil {
			continue
		}
		hash, err := workspace.HashFile(fullPath)
		if err != nil {
			continue
		}

		language := workspace.InferLanguage(rel)
		imports := ExtractImports(language, string(content))

		snapshot.Files = append(snapshot.Files, types.CatalogFile{
			FilePath:    rel,
			FileHash:    hash,
			Language:    language,
			ImportCount: len(imports),
		})
		for _, imp := range imports {
			snapshot.Edges = append(snapshot.Edges, types.CatalogEdge{
				FromFile:   rel,
				ToModule:   imp.ToModule,
				EdgeType:   "import",
				Confidence: imp.Confidence,
				SourceType: imp.SourceType,
			})
		}
	}
	return snapshot, nil
}

// ExtractImports parses import edges from source text. Python gets a
// statement-level parse (confidence 1.0); everything else, and python files
// where the parse finds nothing, falls back to regex inference at 0.5.
func ExtractImports(language, text string) []Import {
	if language == "python" {
		if imports := extractPythonImports(text); len(imports) > 0 {
			return imports
		}
	}
	return extractInferredImports(text)
}

// extractPythonImports reads "import a, b as c" and "from pkg import x"
// statements line by line. Relative prefixes are stripped; a bare
// "from . import x" has no named module and is skipped.
func extractPythonImports(text string) []Import {
	var imports []Import
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)

		if rest, ok := strings.CutPrefix(line, "from "); ok {
			fields := strings.Fields(rest)
			if len(fields) < 3 || fields[1] != "import" {
				continue
			}
			module := strings.TrimLeft(fields[0], ".")
			if module == "" {
				continue
			}
			imports = append(imports, Import{ToModule: module, Confidence: 1.0, SourceType: "ast"})
			continue
		}

		if rest, ok := strings.CutPrefix(line, "import "); ok {
			for _, clause := range strings.Split(rest, ",") {
				fields := strings.Fields(clause)
				if len(fields) == 0 {
					continue
				}
				module := strings.TrimLeft(fields[0], ".")
				if module == "" || !isPythonModulePath(module) {
					continue
				}
				imports = append(imports, Import{ToModule: module, Confidence: 1.0, SourceType: "ast"})
			}
		}
	}
	return imports
}

func isPythonModulePath(module string) bool {
	for _, r := range module {
		if r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// extractInferredImports collects unique module names from the JS/TS/Dart
// import and require patterns, sorted for determinism.
func extractInferredImports(text string) []Import {
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{importFromRe, importSideRe, requireRe} {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			module := strings.TrimSpace(match[1])
			if module != "" {
				seen[module] = true
			}
		}
	}

	modules := make([]string, 0, len(seen))
	for module := range seen {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	imports := make([]Import, 0, len(modules))
	for _, module := range modules {
		imports = append(imports, Import{ToModule: module, Confidence: 0.5, SourceType: "inferred"})
	}
	return imports
}
