// Package hierarchy maps collected test cases onto the tree of report items.
//
// Every test case gets a path of segments from the root of the launch to its
// leaf. Segments carry a stable key, so test cases sharing a prefix share the
// ancestor items of that prefix.
package hierarchy

import (
	"path"
	"strings"

	"github.com/raphi011/rpbridge/internal/model"
)

// KeySeparator joins the names of the segments of a path.
const KeySeparator = "::"

// Mark is a named annotation of a test case, optionally with arguments.
type Mark struct {
	Name string
	Args map[string]string
}

// Arg returns the argument key or fallback if it is not set.
func (m Mark) Arg(key, fallback string) string {
	if v, ok := m.Args[key]; ok && v != "" {
		return v
	}

	return fallback
}

type TestCase struct {
	// ID identifies the test case within a session, e.g. the package import
	// path and the full test name.
	ID      string
	Package string
	// Dir is the slash separated directory of the test file relative to the
	// project root.
	Dir  string
	File string
	// Module overrides the name of the module segment.
	Module string
	Class  string
	Name   string
	// Params is the slash separated parametrization of the case, for go tests
	// the subtest path.
	Params      string
	Description string
	Marks       []Mark
	CodeRef     string
}

// FullName is the name of the leaf when parametrized variants are siblings.
func (tc TestCase) FullName() string {
	if tc.Params == "" {
		return tc.Name
	}

	return tc.Name + "/" + tc.Params
}

// MarksNamed returns the marks whose name is one of names.
func (tc TestCase) MarksNamed(names ...string) []Mark {
	var marks []Mark

	for _, m := range tc.Marks {
		for _, n := range names {
			if m.Name == n {
				marks = append(marks, m)
				break
			}
		}
	}

	return marks
}

type Flags struct {
	Dirs bool
	// DirsLevel is the number of leading directories that are not reported.
	DirsLevel       int
	Module          bool
	Class           bool
	Parametrize     bool
	DisplayTestFile bool
}

type Segment struct {
	Name string
	Key  string
	Kind model.ItemKind
	// Leaf is set on the last segment of a path, the test case itself.
	Leaf bool
}

type Builder struct {
	flags Flags
}

func NewBuilder(flags Flags) Builder {
	return Builder{flags: flags}
}

// Path returns the segments from the root to the leaf of tc.
func (b Builder) Path(tc TestCase) []Segment {
	var segments []Segment

	dir := cleanDir(tc.Dir)

	if b.flags.Dirs && dir != "" {
		parts := strings.Split(dir, "/")

		for i := range parts {
			if i < b.flags.DirsLevel {
				continue
			}

			segments = append(segments, Segment{
				Name: parts[i],
				Key:  strings.Join(parts[:i+1], "/"),
				Kind: model.KindSuite,
			})
		}
	}

	names := []string{dir}

	add := func(name string, kind model.ItemKind) {
		names = append(names, name)
		segments = append(segments, Segment{
			Name: name,
			Key:  strings.Join(names, KeySeparator),
			Kind: kind,
		})
	}

	if b.flags.Module {
		if module := b.moduleName(tc); module != "" {
			add(module, model.KindSuite)
		}
	}

	if b.flags.Class && tc.Class != "" {
		add(tc.Class, model.KindSuite)
	}

	if b.flags.Parametrize && tc.Params != "" {
		add(tc.Name, model.KindTest)

		for _, p := range strings.Split(tc.Params, "/") {
			add(p, model.KindTest)
		}
	} else {
		add(tc.FullName(), model.KindTest)
	}

	segments[len(segments)-1].Leaf = true

	return segments
}

// Key returns the key of the leaf segment of tc.
func (b Builder) Key(tc TestCase) string {
	p := b.Path(tc)
	return p[len(p)-1].Key
}

func (b Builder) moduleName(tc TestCase) string {
	if b.flags.DisplayTestFile && tc.File != "" {
		return tc.File
	}

	if tc.Module != "" {
		return tc.Module
	}

	return tc.File
}

func cleanDir(dir string) string {
	if dir == "" {
		return ""
	}

	dir = path.Clean(strings.ReplaceAll(dir, "\\", "/"))
	dir = strings.Trim(dir, "/")

	if dir == "." {
		return ""
	}

	return dir
}
