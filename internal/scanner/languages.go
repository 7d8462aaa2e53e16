package scanner

import (
	"path/filepath"
	"strings"
	"sync"

	tree_sitter_zig "github.com/tree-sitter-grammars/tree-sitter-zig/bindings/go"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_csharp "github.com/tree-sitter/tree-sitter-c-sharp/bindings/go"
	tree_sitter_cpp "github.com/tree-sitter/tree-sitter-cpp/bindings/go"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_java "github.com/tree-sitter/tree-sitter-java/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_php "github.com/tree-sitter/tree-sitter-php/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// languageSetup describes how to obtain a grammar and the query used to
// pull structural symbols and imports out of its syntax tree. Only the
// four-kind symbol enum + import edges are captured (spec.md §4.F), unlike
// the teacher's enhanced-symbol/reference/scope extraction.
type languageSetup struct {
	name       string
	extensions []string
	language   func() *tree_sitter.Language
	query      string
}

var languageSetups = []languageSetup{
	{
		name:       "go",
		extensions: []string{".go"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_go.Language()) },
		query: `
			(function_declaration name: (identifier) @function.name) @function
			(method_declaration name: (field_identifier) @function.name) @function
			(type_declaration (type_spec name: (type_identifier) @type.name (interface_type))) @interface
			(type_declaration (type_spec name: (type_identifier) @type.name)) @type
			(const_declaration (const_spec name: (identifier) @const.name)) @const
			(import_spec path: (interpreted_string_literal) @import.path) @import
		`,
	},
	{
		name:       "python",
		extensions: []string{".py"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_python.Language()) },
		query: `
			(function_definition name: (identifier) @function.name) @function
			(class_definition name: (identifier) @type.name) @type
			(import_from_statement module_name: (dotted_name) @import.path) @import
			(import_statement name: (dotted_name) @import.path) @import
		`,
	},
	{
		name:       "javascript",
		extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_javascript.Language()) },
		query: `
			(function_declaration name: (identifier) @function.name) @function
			(method_definition name: (property_identifier) @function.name) @function
			(class_declaration name: (identifier) @type.name) @type
			(import_statement source: (string) @import.source) @import
		`,
	},
	{
		name:       "typescript",
		extensions: []string{".ts", ".tsx"},
		language: func() *tree_sitter.Language {
			return tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript())
		},
		query: `
			(function_declaration name: (identifier) @function.name) @function
			(method_definition name: (property_identifier) @function.name) @function
			(class_declaration name: (type_identifier) @type.name) @type
			(interface_declaration name: (type_identifier) @interface.name) @interface
			(enum_declaration name: (identifier) @const.name) @const
			(import_statement source: (string) @import.source) @import
		`,
	},
	{
		name:       "rust",
		extensions: []string{".rs"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_rust.Language()) },
		query: `
			(function_item name: (identifier) @function.name) @function
			(struct_item name: (type_identifier) @type.name) @type
			(trait_item name: (type_identifier) @interface.name) @interface
			(const_item name: (identifier) @const.name) @const
			(use_declaration argument: (_) @import.path) @import
		`,
	},
	{
		name:       "java",
		extensions: []string{".java"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_java.Language()) },
		query: `
			(method_declaration name: (identifier) @function.name) @function
			(class_declaration name: (identifier) @type.name) @type
			(interface_declaration name: (identifier) @interface.name) @interface
			(import_declaration (scoped_identifier) @import.path) @import
		`,
	},
	{
		name:       "cpp",
		extensions: []string{".cpp", ".cc", ".cxx", ".c", ".h", ".hpp"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_cpp.Language()) },
		query: `
			(function_definition declarator: (function_declarator declarator: (identifier) @function.name)) @function
			(struct_specifier name: (type_identifier) @type.name) @type
			(class_specifier name: (type_identifier) @type.name) @type
			(preproc_include path: (string_literal) @import.path) @import
		`,
	},
	{
		name:       "csharp",
		extensions: []string{".cs"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_csharp.Language()) },
		query: `
			(method_declaration name: (identifier) @function.name) @function
			(class_declaration name: (identifier) @type.name) @type
			(interface_declaration name: (identifier) @interface.name) @interface
			(using_directive (qualified_name) @import.path) @import
		`,
	},
	{
		name:       "zig",
		extensions: []string{".zig"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_zig.Language()) },
		query: `
			(FnProto name: (IDENTIFIER) @function.name) @function
			(VarDecl name: (IDENTIFIER) @const.name) @const
		`,
	},
	{
		name:       "php",
		extensions: []string{".php", ".phtml"},
		language:   func() *tree_sitter.Language { return tree_sitter.NewLanguage(tree_sitter_php.Language()) },
		query: `
			(function_definition name: (name) @function.name) @function
			(method_declaration name: (name) @function.name) @function
			(class_declaration name: (name) @type.name) @type
			(interface_declaration name: (name) @interface.name) @interface
		`,
	},
}

// LanguageFromExtension returns the detected language name for a file's
// extension, or "" when the scanner has no grammar for it (the file is
// still recorded as an opaque File node, per spec.md §4.F).
func LanguageFromExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range languageSetups {
		for _, e := range s.extensions {
			if e == ext {
				return s.name
			}
		}
	}
	return ""
}

// parserEntry holds one lazily-initialized grammar/parser/query triple,
// matching the teacher's per-language lazy-init-and-pool pattern but
// without the pool (scanning is sequential per file in this daemon, not
// fanned out across a request-serving worker pool).
type parserEntry struct {
	once   sync.Once
	parser *tree_sitter.Parser
	query  *tree_sitter.Query
	setup  languageSetup
}

// Registry lazily constructs one parser+query per language on first use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*parserEntry
}

func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]*parserEntry)}
	for _, s := range languageSetups {
		e := &parserEntry{setup: s}
		r.entries[s.name] = e
	}
	return r
}

func (r *Registry) get(language string) *parserEntry {
	r.mu.Lock()
	e := r.entries[language]
	r.mu.Unlock()
	if e == nil {
		return nil
	}
	e.once.Do(func() {
		lang := e.setup.language()
		p := tree_sitter.NewParser()
		if err := p.SetLanguage(lang); err != nil {
			return
		}
		q, _ := tree_sitter.NewQuery(lang, e.setup.query)
		e.parser = p
		e.query = q
	})
	return e
}
