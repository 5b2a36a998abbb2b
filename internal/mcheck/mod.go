// Package main provides the custom checks of the repository for "go vet".
//
//	go build -o mcheck ./internal/mcheck
//	go vet -vettool=./mcheck ./...
//
// commentLen reports the comment lines longer than MaxLen, except in generated
// files and on go:generate directives. errorf reports the errors created with
// the fmt or errors packages instead of xerrors.
package main

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/unitchecker"
)

// MaxLen is the maximum length of a comment line.
var MaxLen = 80

var commentAnalyzer = &analysis.Analyzer{
	Name: "commentLen",
	Doc:  "checks the lengths of comments",
	Run:  runComments,
}

var errorfAnalyzer = &analysis.Analyzer{
	Name: "errorf",
	Doc:  "checks that errors are created with xerrors",
	Run:  runErrorf,
}

// forbidden lists the functions replaced by their xerrors counterpart.
var forbidden = map[string]map[string]string{
	"fmt":    {"Errorf": "xerrors.Errorf"},
	"errors": {"New": "xerrors.New"},
}

func main() {
	unitchecker.Main(
		commentAnalyzer,
		errorfAnalyzer,
	)
}

func runComments(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		if generated(file) {
			continue
		}

		for _, cg := range file.Comments {
			for _, c := range cg.List {
				// A block comment spans multiple lines.
				for _, line := range strings.Split(c.Text, "\n") {
					if strings.HasPrefix(line, "//go:generate") {
						continue
					}

					if len(line) > MaxLen {
						pass.Reportf(c.Pos(), "comment too long: %s (%d)", line, len(line))
					}
				}
			}
		}
	}

	return nil, nil
}

func runErrorf(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		imports := make(map[string]string)

		for _, spec := range file.Imports {
			path := strings.Trim(spec.Path.Value, `"`)

			name := path
			if spec.Name != nil {
				name = spec.Name.Name
			}

			imports[name] = path
		}

		ast.Inspect(file, func(node ast.Node) bool {
			call, ok := node.(*ast.CallExpr)
			if !ok {
				return true
			}

			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok {
				return true
			}

			pkg, ok := sel.X.(*ast.Ident)
			if !ok {
				return true
			}

			replacement, found := forbidden[imports[pkg.Name]][sel.Sel.Name]
			if found {
				pass.Reportf(call.Pos(), "use %s instead of %s.%s", replacement, pkg.Name, sel.Sel.Name)
			}

			return true
		})
	}

	return nil, nil
}

func generated(file *ast.File) bool {
	if len(file.Comments) == 0 || len(file.Comments[0].List) == 0 {
		return false
	}

	return strings.HasPrefix(file.Comments[0].List[0].Text, "// Code generated")
}
