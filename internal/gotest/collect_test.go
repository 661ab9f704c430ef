package gotest_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/raphi011/rpbridge/internal/gotest"
	"github.com/raphi011/rpbridge/internal/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirective(t *testing.T) {
	tests := []struct {
		comment string
		mark    hierarchy.Mark
		ok      bool
	}{
		{comment: "//rp:smoke", mark: hierarchy.Mark{Name: "smoke"}, ok: true},
		{comment: "//rp:component billing", mark: hierarchy.Mark{Name: "component", Args: map[string]string{"value": "billing"}}, ok: true},
		{
			comment: `//rp:issue id=ABC-1,ABC-2 reason="flaky backend" type=TI`,
			mark: hierarchy.Mark{Name: "issue", Args: map[string]string{
				"id":     "ABC-1,ABC-2",
				"reason": "flaky backend",
				"type":   "TI",
			}},
			ok: true,
		},
		{comment: "// rp:smoke"},
		{comment: "//go:build linux"},
		{comment: "//rp:"},
	}

	for _, tt := range tests {
		t.Run(tt.comment, func(t *testing.T) {
			mark, ok := gotest.ParseDirective(tt.comment)

			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.mark, mark)
		})
	}
}

const moduleFile = "module example.com/demo\n\ngo 1.21\n"

const internalTest = `package pkg

import "testing"

// TestA checks a.
//
//rp:smoke
//rp:issue id=ABC-1 reason="known bug"
func TestA(t *testing.T) {}

func TestMain(m *testing.M) {}

func Testlower(t *testing.T) {}

func helper(t *testing.T) {}

func BenchmarkA(b *testing.B) {}
`

const externalTest = `package pkg_test

import "testing"

func TestB(t *testing.T) {}
`

func TestCollect(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go tool not available")
	}

	dir := t.TempDir()

	write := func(name, content string) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write("go.mod", moduleFile)
	write("pkg/pkg.go", "package pkg\n")
	write("pkg/a_test.go", internalTest)
	write("pkg/b_test.go", externalTest)

	cases, err := gotest.Collect(context.Background(), dir, "./...")
	require.NoError(t, err)

	byID := map[string]hierarchy.TestCase{}
	for _, tc := range cases {
		byID[tc.ID] = tc
	}

	require.Len(t, byID, 2)

	a := byID["example.com/demo/pkg::TestA"]
	assert.Equal(t, "TestA", a.Name)
	assert.Equal(t, "example.com/demo/pkg", a.Package)
	assert.Equal(t, "pkg", a.Dir)
	assert.Equal(t, "a_test.go", a.File)
	assert.Equal(t, "pkg/a_test.go:TestA", a.CodeRef)
	assert.Equal(t, "TestA checks a.", a.Description)
	assert.Equal(t, []hierarchy.Mark{
		{Name: "smoke"},
		{Name: "issue", Args: map[string]string{"id": "ABC-1", "reason": "known bug"}},
	}, a.Marks)

	b := byID["example.com/demo/pkg::TestB"]
	assert.Equal(t, "b_test.go", b.File)
	assert.Equal(t, "example.com/demo/pkg", b.Package, "external test packages report the package under test")
}
