package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func namedTool(name Ident) Tool {
	return Tool{
		Name: name,
		Run: func(context.Context, map[string]any) (string, error) {
			return string(name), nil
		},
	}
}

func TestDedupeLastWinsKeepsFirstPosition(t *testing.T) {
	a := namedTool("read_file")
	b := namedTool("write_file")
	override := Tool{
		Name: "read_file",
		Run: func(context.Context, map[string]any) (string, error) {
			return "override", nil
		},
	}

	out := Dedupe([]Tool{a, b}, []Tool{override})
	require.Len(t, out, 2)
	require.Equal(t, Ident("read_file"), out[0].Name)
	require.Equal(t, Ident("write_file"), out[1].Name)

	result, err := out[0].Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "override", result)
}

func TestDedupeSkipsUnnamed(t *testing.T) {
	out := Dedupe([]Tool{{Name: ""}, namedTool("x")})
	require.Len(t, out, 1)
	require.Equal(t, Ident("x"), out[0].Name)
}

func TestIsErrorResult(t *testing.T) {
	require.True(t, IsErrorResult("Error: boom"))
	require.True(t, IsErrorResult("Error"))
	require.False(t, IsErrorResult("ok"))
	require.False(t, IsErrorResult(""))
}

func TestFind(t *testing.T) {
	list := []Tool{namedTool("a"), namedTool("b")}
	tool, ok := Find(list, "b")
	require.True(t, ok)
	require.Equal(t, Ident("b"), tool.Name)
	_, ok = Find(list, "missing")
	require.False(t, ok)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPack("core", []Tool{namedTool("read_file")}))
	require.NoError(t, r.RegisterPack("extra", []Tool{namedTool("grep")}))

	resolved, err := r.Resolve([]string{"core", "extra"})
	require.NoError(t, err)
	require.Equal(t, []Ident{"read_file", "grep"}, Names(resolved))

	_, err = r.Resolve([]string{"missing"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown pack")
}

func TestRegistryRejectsInvalidPacks(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.RegisterPack("", []Tool{namedTool("x")}))
	require.Error(t, r.RegisterPack("p", []Tool{{Name: "x"}}))
	require.Error(t, r.RegisterPack("p", []Tool{{Run: namedTool("x").Run}}))
}

func TestRegistryReplacesPack(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPack("p", []Tool{namedTool("a")}))
	require.NoError(t, r.RegisterPack("p", []Tool{namedTool("b")}))
	resolved, err := r.Resolve([]string{"p"})
	require.NoError(t, err)
	require.Equal(t, []Ident{"b"}, Names(resolved))
}

func TestValidateInput(t *testing.T) {
	tool := Tool{
		Name: "echo",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
	}
	require.NoError(t, ValidateInput(tool, map[string]any{"text": "hi"}))

	err := ValidateInput(tool, map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "input invalid")

	err = ValidateInput(tool, map[string]any{"text": 7})
	require.Error(t, err)
}

func TestValidateInputNilSchema(t *testing.T) {
	require.NoError(t, ValidateInput(Tool{Name: "anything"}, map[string]any{"free": "form"}))
}

func TestDefaultPackReadWriteList(t *testing.T) {
	dir := t.TempDir()
	pack := DefaultPack()

	write, ok := Find(pack, "write_file")
	require.True(t, ok)
	path := filepath.Join(dir, "sub", "note.txt")
	out, err := write.Run(context.Background(), map[string]any{"path": path, "content": "hello"})
	require.NoError(t, err)
	require.Contains(t, out, "wrote 5 bytes")

	read, ok := Find(pack, "read_file")
	require.True(t, ok)
	content, err := read.Run(context.Background(), map[string]any{"path": path})
	require.NoError(t, err)
	require.Equal(t, "hello", content)

	list, ok := Find(pack, "list_dir")
	require.True(t, ok)
	names, err := list.Run(context.Background(), map[string]any{"path": filepath.Join(dir, "sub")})
	require.NoError(t, err)
	require.Equal(t, "note.txt", names)

	_, err = read.Run(context.Background(), map[string]any{"path": filepath.Join(dir, "missing")})
	require.Error(t, err)
	require.True(t, os.IsNotExist(errUnwrapAll(err)))
}

func errUnwrapAll(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
