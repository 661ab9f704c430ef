// Package gotest adapts the go tool to the bridge: Collect finds the test
// functions of a set of packages and Runner turns the event stream of
// `go test -json` into session hooks.
package gotest

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/raphi011/rpbridge/internal/hierarchy"
	"golang.org/x/tools/go/packages"
)

// DirectivePrefix starts a mark in the doc comment of a test function, e.g.
//
//	//rp:issue id=ABC-1,ABC-2 reason="flaky backend"
const DirectivePrefix = "//rp:"

// ID identifies the test (or subtest) name of a package within a session.
func ID(pkg, test string) string {
	return pkg + hierarchy.KeySeparator + test
}

// Collect loads the packages matching patterns relative to dir and returns a
// test case for every test function declared in their _test.go files.
func Collect(ctx context.Context, dir string, patterns ...string) ([]hierarchy.TestCase, error) {
	// Package.Fset is only populated together with types
	fset := token.NewFileSet()

	cfg := &packages.Config{
		Context: ctx,
		Dir:     dir,
		Fset:    fset,
		Tests:   true,
		Mode:    packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedModule,
	}

	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}

	var loadErr error
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			if loadErr == nil {
				loadErr = fmt.Errorf("package %s: %s", p.PkgPath, e.Msg)
			}
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}

	var cases []hierarchy.TestCase

	// test variants of a package share files with each other
	seen := map[string]struct{}{}

	for _, p := range pkgs {
		pkgPath := strings.TrimSuffix(p.PkgPath, "_test")

		root := dir
		if p.Module != nil && p.Module.Dir != "" {
			root = p.Module.Dir
		}

		for _, f := range p.Syntax {
			filename := fset.Position(f.Package).Filename
			if !strings.HasSuffix(filename, "_test.go") {
				continue
			}

			for _, decl := range f.Decls {
				fn, ok := decl.(*ast.FuncDecl)
				if !ok || !isTest(fn) {
					continue
				}

				id := ID(pkgPath, fn.Name.Name)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}

				cases = append(cases, testCase(pkgPath, root, filename, fn))
			}
		}
	}

	return cases, nil
}

func testCase(pkgPath, root, filename string, fn *ast.FuncDecl) hierarchy.TestCase {
	dir, err := filepath.Rel(root, filepath.Dir(filename))
	if err != nil {
		dir = filepath.Dir(filename)
	}
	dir = filepath.ToSlash(dir)

	file := filepath.Base(filename)

	tc := hierarchy.TestCase{
		ID:      ID(pkgPath, fn.Name.Name),
		Package: pkgPath,
		Dir:     dir,
		File:    file,
		Module:  pkgPath,
		Name:    fn.Name.Name,
		CodeRef: strings.TrimPrefix(dir+"/", "./") + file + ":" + fn.Name.Name,
	}

	if fn.Doc != nil {
		// Text drops directive lines
		tc.Description = strings.TrimSpace(fn.Doc.Text())

		for _, c := range fn.Doc.List {
			if m, ok := ParseDirective(c.Text); ok {
				tc.Marks = append(tc.Marks, m)
			}
		}
	}

	return tc
}

// isTest reports whether fn has the signature of a go test function:
// TestXxx(t *testing.T) without receiver.
func isTest(fn *ast.FuncDecl) bool {
	if fn.Recv != nil || !strings.HasPrefix(fn.Name.Name, "Test") || fn.Name.Name == "TestMain" {
		return false
	}

	if rest := fn.Name.Name[len("Test"):]; rest != "" {
		r, _ := utf8.DecodeRuneInString(rest)
		if unicode.IsLower(r) {
			return false
		}
	}

	params := fn.Type.Params.List
	if len(params) != 1 || len(params[0].Names) > 1 {
		return false
	}

	star, ok := params[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}

	sel, ok := star.X.(*ast.SelectorExpr)
	if !ok {
		return false
	}

	pkg, ok := sel.X.(*ast.Ident)

	return ok && pkg.Name == "testing" && sel.Sel.Name == "T"
}

// ParseDirective parses a `//rp:name key=value ...` comment into a mark. A
// token without "=" is stored as the "value" argument, values may be double
// quoted to contain spaces.
func ParseDirective(comment string) (hierarchy.Mark, bool) {
	rest, ok := strings.CutPrefix(comment, DirectivePrefix)
	if !ok {
		return hierarchy.Mark{}, false
	}

	tokens := tokenize(rest)
	if len(tokens) == 0 || tokens[0] == "" {
		return hierarchy.Mark{}, false
	}

	m := hierarchy.Mark{Name: tokens[0]}

	for _, t := range tokens[1:] {
		if m.Args == nil {
			m.Args = map[string]string{}
		}

		key, value, found := strings.Cut(t, "=")
		if !found {
			key, value = "value", t
		}

		m.Args[key] = value
	}

	return m, true
}

func tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		started bool
	)

	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case unicode.IsSpace(r) && !quoted:
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}

	if started {
		tokens = append(tokens, current.String())
	}

	return tokens
}
