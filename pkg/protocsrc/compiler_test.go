package protocsrc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personProto = `syntax = "proto3";
package greet;

message HelloRequest {
  string name = 1;
}

message HelloResponse {
  string message = 1;
}

service Greeter {
  rpc SayHello(HelloRequest) returns (HelloResponse);
}
`

func writeProto(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCompiler_Compile_ProducesUsableDescriptorSet(t *testing.T) {
	dir := t.TempDir()
	path := writeProto(t, dir, "greet.proto", personProto)

	c := New(8)
	set, err := c.Compile(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	svc, ok := set.ServiceByName("greet.Greeter")
	require.True(t, ok)
	method := svc.MethodByName("SayHello")
	require.NotNil(t, method)
	assert.Equal(t, "greet.HelloRequest", method.InputType.FullName)
	assert.Equal(t, "greet.HelloResponse", method.OutputType.FullName)
}

func TestCompiler_Compile_ResolvesImportAcrossDirs(t *testing.T) {
	importDir := t.TempDir()
	writeProto(t, importDir, "point.proto", `syntax = "proto3";
package imported;

message Point {
  double latitude = 1;
  double longitude = 2;
}
`)

	mainDir := t.TempDir()
	mainPath := writeProto(t, mainDir, "primary.proto", `syntax = "proto3";
package primary;

import "point.proto";

message Rectangle {
  imported.Point lo = 1;
  imported.Point hi = 2;
}
`)

	c := New(8)
	set, err := c.Compile(context.Background(), []string{mainPath}, []string{importDir})
	require.NoError(t, err)

	rect, ok := set.MessageByName("primary.Rectangle")
	require.True(t, ok)
	lo := rect.FieldByName("lo")
	require.NotNil(t, lo)
	require.NotNil(t, lo.MessageType)
	assert.Equal(t, "imported.Point", lo.MessageType.FullName)
}

func TestCompiler_Compile_RequiresAtLeastOnePath(t *testing.T) {
	c := New(8)
	_, err := c.Compile(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestCompiler_Compile_CachesBySourceContent(t *testing.T) {
	dir := t.TempDir()
	path := writeProto(t, dir, "greet.proto", personProto)

	c := New(8)
	first, err := c.Compile(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	second, err := c.Compile(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestCompiler_Compile_InvalidatesCacheOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := writeProto(t, dir, "greet.proto", personProto)

	c := New(8)
	first, err := c.Compile(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	writeProto(t, dir, "greet.proto", personProto+"\n// changed\n")
	second, err := c.Compile(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
}

func TestSourceCache_EvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	path := writeProto(t, dir, "greet.proto", personProto)
	c := New(8)
	set, err := c.Compile(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	cache := newSourceCache(2)
	cache.put("a", set)
	cache.put("b", set)
	cache.put("c", set) // evicts "a"

	_, ok := cache.get("a")
	assert.False(t, ok)
	_, ok = cache.get("b")
	assert.True(t, ok)
	_, ok = cache.get("c")
	assert.True(t, ok)
}
