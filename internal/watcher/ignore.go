package watcher

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnorePatterns are skipped in every root regardless of .gitignore.
var defaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	".kensaku/",
	".idea/",
	".vscode/",
}

// ignoreRules matches paths relative to one watched root.
type ignoreRules struct {
	root    string
	matcher gitignore.IgnoreParser
}

// loadIgnoreRules compiles the default patterns plus, when useGitignore is set, the
// patterns of every .gitignore under root. Nested files are rebased onto their directory.
func loadIgnoreRules(root string, useGitignore bool) *ignoreRules {
	patterns := append([]string(nil), defaultIgnorePatterns...)
	if useGitignore {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if d.Name() == ".git" || d.Name() == "node_modules" {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Name() != ".gitignore" {
				return nil
			}
			rel, err := filepath.Rel(root, filepath.Dir(path))
			if err != nil {
				return nil
			}
			lines, err := readIgnoreLines(path)
			if err != nil {
				return nil
			}
			patterns = append(patterns, rebase(filepath.ToSlash(rel), lines)...)
			return nil
		})
	}
	return &ignoreRules{root: root, matcher: gitignore.CompileIgnoreLines(patterns...)}
}

// Ignored reports whether path (absolute, under root) is excluded.
func (r *ignoreRules) Ignored(path string, isDir bool) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return r.matcher.MatchesPath(rel)
}

func readIgnoreLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// rebase prefixes patterns from a nested .gitignore with its directory. Patterns without a
// slash match at any depth below that directory.
func rebase(dir string, lines []string) []string {
	if dir == "." || dir == "" {
		return lines
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		neg := strings.HasPrefix(l, "!")
		l = strings.TrimPrefix(l, "!")
		var p string
		if strings.Contains(strings.TrimSuffix(l, "/"), "/") {
			p = dir + "/" + strings.TrimPrefix(l, "/")
		} else {
			p = dir + "/**/" + l
		}
		if neg {
			p = "!" + p
		}
		out = append(out, p)
	}
	return out
}
