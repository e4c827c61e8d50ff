package extract

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Grammar binds a tree-sitter language to the query that finds its spans. The query names
// the outer node with one of @function, @method, @class, @import or @other, and the symbol
// with @name.
type Grammar struct {
	Name       string
	Language   *sitter.Language
	Query      string
	Extensions []string

	once     sync.Once
	compiled *sitter.Query
	err      error
}

func (g *Grammar) query() (*sitter.Query, error) {
	g.once.Do(func() {
		g.compiled, g.err = sitter.NewQuery([]byte(g.Query), g.Language)
	})
	return g.compiled, g.err
}

// Registry maps file extensions to grammars.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]*Grammar
}

func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]*Grammar)}
}

// Register adds g under each of its extensions, replacing earlier registrations.
func (r *Registry) Register(g *Grammar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range g.Extensions {
		r.byExt[strings.ToLower(ext)] = g
	}
}

// Lookup returns the grammar for path, or nil.
func (r *Registry) Lookup(path string) *Grammar {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byExt[ext]
}

// DefaultRegistry returns a registry with the Go, Python, JavaScript and TypeScript grammars.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Grammar{
		Name:     "go",
		Language: golang.GetLanguage(),
		Query: `
			(import_declaration) @import
			(function_declaration name: (identifier) @name) @function
			(method_declaration name: (field_identifier) @name) @method
			(type_declaration (type_spec name: (type_identifier) @name)) @class
		`,
		Extensions: []string{"go"},
	})
	r.Register(&Grammar{
		Name:     "python",
		Language: python.GetLanguage(),
		Query: `
			(import_statement) @import
			(import_from_statement) @import
			(function_definition name: (identifier) @name) @function
			(class_definition name: (identifier) @name) @class
			(decorated_definition definition: (function_definition name: (identifier) @name)) @function
			(decorated_definition definition: (class_definition name: (identifier) @name)) @class
		`,
		Extensions: []string{"py", "pyi"},
	})
	r.Register(&Grammar{
		Name:     "javascript",
		Language: javascript.GetLanguage(),
		Query: `
			(import_statement) @import
			(function_declaration name: (identifier) @name) @function
			(class_declaration name: (identifier) @name) @class
			(method_definition name: (property_identifier) @name) @method
			(export_statement (function_declaration name: (identifier) @name)) @function
			(export_statement (class_declaration name: (identifier) @name)) @class
			(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @function
		`,
		Extensions: []string{"js", "jsx", "mjs", "cjs"},
	})
	tsQuery := `
		(import_statement) @import
		(function_declaration name: (identifier) @name) @function
		(class_declaration name: (type_identifier) @name) @class
		(method_definition name: (property_identifier) @name) @method
		(export_statement (function_declaration name: (identifier) @name)) @function
		(export_statement (class_declaration name: (type_identifier) @name)) @class
		(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @function
		(interface_declaration name: (type_identifier) @name) @class
		(type_alias_declaration name: (type_identifier) @name) @other
	`
	r.Register(&Grammar{
		Name:       "typescript",
		Language:   typescript.GetLanguage(),
		Query:      tsQuery,
		Extensions: []string{"ts", "mts", "cts"},
	})
	r.Register(&Grammar{
		Name:       "typescript",
		Language:   tsx.GetLanguage(),
		Query:      tsQuery,
		Extensions: []string{"tsx"},
	})
	return r
}
