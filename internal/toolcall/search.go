package toolcall

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"

	"github.com/workspace/agent-host/internal/stream"
)

// Result caps keep responses bounded regardless of workspace size.
const (
	maxGrepMatches    = 50
	maxFileMatches    = 10
	maxKeywordMatches = 20
	maxSearchableSize = 1 << 20
)

var skippedDirs = map[string]struct{}{
	".git":         {},
	".svn":         {},
	".hg":          {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	".next":        {},
	".cache":       {},
}

// walkFiles visits every searchable file under root with its
// root-relative path, skipping version-control and dependency trees.
func walkFiles(root string, visit func(relPath, absPath string, info fs.DirEntry) bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !visit(filepath.ToSlash(rel), path, d) {
			return filepath.SkipAll
		}
		return nil
	})
}

func readSearchable(absPath string, info fs.DirEntry) ([]byte, bool) {
	fi, err := info.Info()
	if err != nil || fi.Size() > maxSearchableSize {
		return nil, false
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, false // binary
	}
	return data, true
}

func (r *Router) grepSearch(dir string, call *stream.ToolEvent) ToolResult {
	if call.Query == "" {
		return failure("grep_search call %s is missing a query", call.CallID)
	}
	re, err := regexp.Compile(call.Query)
	if err != nil {
		return failure("invalid search pattern %q: %v", call.Query, err)
	}

	var matches []string
	truncated := false
	walkErr := walkFiles(dir, func(rel, abs string, info fs.DirEntry) bool {
		data, ok := readSearchable(abs, info)
		if !ok {
			return true
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxGrepMatches {
					truncated = true
					return false
				}
			}
		}
		return true
	})
	if walkErr != nil {
		return failure("search failed: %v", walkErr)
	}

	output := strings.Join(matches, "\n")
	if truncated {
		output += fmt.Sprintf("\n(truncated at %d matches)", maxGrepMatches)
	}
	if len(matches) == 0 {
		output = fmt.Sprintf("no matches for %q", call.Query)
	}
	return ToolResult{Success: true, Output: output, Payload: matches}
}

type scoredPath struct {
	path  string
	score int
}

func (r *Router) fileSearch(dir string, call *stream.ToolEvent) ToolResult {
	query := call.Query
	if query == "" {
		query = call.Path
	}
	if query == "" {
		return failure("file_search call %s is missing a query", call.CallID)
	}

	pattern := []rune(strings.ToLower(query))
	slab := util.MakeSlab(100*1024, 2048)

	var scored []scoredPath
	walkErr := walkFiles(dir, func(rel, abs string, info fs.DirEntry) bool {
		chars := util.ToChars([]byte(rel))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
		if result.Score > 0 {
			scored = append(scored, scoredPath{path: rel, score: result.Score})
		}
		return true
	})
	if walkErr != nil {
		return failure("search failed: %v", walkErr)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > maxFileMatches {
		scored = scored[:maxFileMatches]
	}

	paths := make([]string, len(scored))
	for i, s := range scored {
		paths[i] = s.path
	}
	if len(paths) == 0 {
		return success(fmt.Sprintf("no files matching %q", query))
	}
	return ToolResult{Success: true, Output: strings.Join(paths, "\n"), Payload: paths}
}

// keywordSearch is the fallback when the external semantic-search
// collaborator is unavailable: rank files by how often the query terms
// appear in their content.
func (r *Router) keywordSearch(dir string, call *stream.ToolEvent) ToolResult {
	if call.Query == "" {
		return failure("search call %s is missing a query", call.CallID)
	}
	terms := strings.Fields(strings.ToLower(call.Query))
	if len(terms) == 0 {
		return failure("search call %s has an empty query", call.CallID)
	}

	var scored []scoredPath
	walkErr := walkFiles(dir, func(rel, abs string, info fs.DirEntry) bool {
		data, ok := readSearchable(abs, info)
		if !ok {
			return true
		}
		content := strings.ToLower(string(data))
		score := 0
		for _, term := range terms {
			score += strings.Count(content, term)
		}
		if score > 0 {
			scored = append(scored, scoredPath{path: rel, score: score})
		}
		return true
	})
	if walkErr != nil {
		return failure("search failed: %v", walkErr)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > maxKeywordMatches {
		scored = scored[:maxKeywordMatches]
	}

	lines := make([]string, len(scored))
	paths := make([]string, len(scored))
	for i, s := range scored {
		lines[i] = fmt.Sprintf("%s (%d occurrences)", s.path, s.score)
		paths[i] = s.path
	}
	if len(paths) == 0 {
		return success(fmt.Sprintf("no files mention %q", call.Query))
	}
	return ToolResult{Success: true, Output: strings.Join(lines, "\n"), Payload: paths}
}
