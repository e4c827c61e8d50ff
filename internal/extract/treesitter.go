package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/hyperjump/kensaku/internal/models"
)

const (
	maxSpanLines    = 300
	maxDependencies = 64
)

// TreeSitterExtractor finds spans with tree-sitter capture queries.
type TreeSitterExtractor struct {
	registry *Registry
}

func NewTreeSitterExtractor(r *Registry) *TreeSitterExtractor {
	return &TreeSitterExtractor{registry: r}
}

// Supports reports whether a grammar is registered for path.
func (t *TreeSitterExtractor) Supports(path string) bool {
	return t.registry.Lookup(path) != nil
}

type capture struct {
	node      *sitter.Node
	kind      models.SpanKind
	name      string
	startLine int
	endLine   int
}

// Extract parses src and returns one span per outermost capture. Nested captures (methods
// inside a class) are folded into their enclosing span.
func (t *TreeSitterExtractor) Extract(ctx context.Context, path string, src []byte) ([]models.CodeSpan, error) {
	g := t.registry.Lookup(path)
	if g == nil {
		return nil, fmt.Errorf("no grammar for %s", path)
	}
	q, err := g.query()
	if err != nil {
		return nil, fmt.Errorf("compile %s query: %w", g.Name, err)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.Language)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, tree.RootNode())

	var caps []capture
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var c capture
		for _, mc := range m.Captures {
			switch name := q.CaptureNameForId(mc.Index); name {
			case "name":
				c.name = mc.Node.Content(src)
			default:
				c.node = mc.Node
				c.kind = models.NormalizeSpanKind(name)
			}
		}
		if c.node == nil {
			continue
		}
		c.startLine, c.endLine = lineRange(c.node)
		caps = append(caps, c)
	}
	caps = outermost(caps)

	lines := splitLines(src)
	spans := make([]models.CodeSpan, 0, len(caps))
	for _, c := range caps {
		deps := dependencies(c.node, src, c.kind, c.name)
		for start := c.startLine; start < c.endLine; start += maxSpanLines {
			end := min(start+maxSpanLines, c.endLine)
			spans = append(spans, models.CodeSpan{
				FilePath:     path,
				StartLine:    start,
				EndLine:      end,
				Kind:         c.kind,
				Name:         c.name,
				Language:     g.Name,
				Content:      sliceLines(lines, start, end),
				Dependencies: deps,
			})
		}
	}
	return spans, nil
}

// lineRange converts a node's rows into a 1-based half-open line range.
func lineRange(n *sitter.Node) (int, int) {
	start := int(n.StartPoint().Row) + 1
	endPoint := n.EndPoint()
	end := int(endPoint.Row) + 1
	if endPoint.Column > 0 {
		end++
	}
	if end <= start {
		end = start + 1
	}
	return start, end
}

// outermost orders captures by start line and drops any that overlap an earlier one. The
// earlier capture is the larger one when both start on the same line.
func outermost(caps []capture) []capture {
	sort.SliceStable(caps, func(i, j int) bool {
		if caps[i].startLine != caps[j].startLine {
			return caps[i].startLine < caps[j].startLine
		}
		return caps[i].endLine > caps[j].endLine
	})
	out := caps[:0]
	lastEnd := 0
	for _, c := range caps {
		if c.startLine < lastEnd {
			continue
		}
		out = append(out, c)
		lastEnd = c.endLine
	}
	return out
}

var identifierTypes = map[string]bool{
	"identifier":          true,
	"type_identifier":     true,
	"field_identifier":    true,
	"property_identifier": true,
	"package_identifier":  true,
}

var importPathTypes = map[string]bool{
	"interpreted_string_literal": true,
	"string":                     true,
	"dotted_name":                true,
}

// dependencies lists the symbols a span references in source order, without its own name.
// Import spans list the imported paths instead.
func dependencies(n *sitter.Node, src []byte, kind models.SpanKind, self string) []string {
	seen := map[string]bool{self: true, "": true}
	var deps []string
	var walk func(*sitter.Node)
	walk = func(n *sitter.Node) {
		if len(deps) >= maxDependencies {
			return
		}
		typ := n.Type()
		switch {
		case kind == models.SpanImport && importPathTypes[typ]:
			if dep := strings.Trim(n.Content(src), "\"'`"); !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
			return
		case kind != models.SpanImport && identifierTypes[typ]:
			if dep := n.Content(src); !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(n)
	return deps
}
