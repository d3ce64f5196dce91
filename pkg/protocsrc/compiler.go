// Package protocsrc compiles consumer-supplied .proto source into a binary
// FileDescriptorSet without invoking an external protoc binary, the same
// way the teacher's gRPC mock wraps protocompile for the schemas it serves
// -- turned here into the plugin's own ConfigureInteraction-scoped step.
package protocsrc

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"github.com/pactflow/pact-protobuf-plugin/pkg/descriptor"
	"github.com/pactflow/pact-protobuf-plugin/pkg/plugerrors"
	"github.com/pactflow/pact-protobuf-plugin/pkg/util"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Compiler compiles .proto source files into descriptor.Set values,
// memoizing by source hash so a .proto already seen in this process
// lifetime is not recompiled on every ConfigureInteraction call.
type Compiler struct {
	cache *sourceCache
}

// New builds a Compiler with an in-memory LRU of the given capacity. A
// non-positive capacity disables caching.
func New(cacheCapacity int) *Compiler {
	return &Compiler{cache: newSourceCache(cacheCapacity)}
}

// Compile parses paths (plus whatever they import, searched across
// importDirs) into one descriptor.Set. The scope of the compiler
// invocation -- the resolver, the working files -- lives only for this
// call; only the resulting Set and its fingerprint persist.
func (c *Compiler) Compile(ctx context.Context, paths []string, importDirs []string) (*descriptor.Set, error) {
	if len(paths) == 0 {
		return nil, plugerrors.NewConfigError("", fmt.Errorf("protocsrc: at least one .proto file is required"))
	}

	key, err := hashSources(paths, importDirs)
	if err != nil {
		return nil, plugerrors.NewConfigError("", fmt.Errorf("protocsrc: failed to hash source: %w", err))
	}
	if c.cache != nil {
		if set, ok := c.cache.get(key); ok {
			return set, nil
		}
	}

	resolver := &fileSystemResolver{importPaths: importDirs, basePaths: paths}
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(resolver),
	}

	compiled, err := compiler.Compile(ctx, paths...)
	if err != nil {
		return nil, plugerrors.NewDescriptorError(fmt.Sprint(paths), err)
	}

	fdSet, err := toFileDescriptorSet(compiled)
	if err != nil {
		return nil, plugerrors.NewDescriptorError(fmt.Sprint(paths), err)
	}

	set, err := descriptor.Load(fdSet)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.put(key, set)
	}
	return set, nil
}

// toFileDescriptorSet flattens every compiled file and its transitive
// imports into one FileDescriptorSet, deduplicated by path.
func toFileDescriptorSet(compiled linker.Files) (*descriptorpb.FileDescriptorSet, error) {
	seen := make(map[string]*descriptorpb.FileDescriptorProto)
	var walk func(f protoreflect.FileDescriptor) error
	walk = func(f protoreflect.FileDescriptor) error {
		if _, ok := seen[f.Path()]; ok {
			return nil
		}
		proto := protodesc.ToFileDescriptorProto(f)
		seen[f.Path()] = proto
		imports := f.Imports()
		for i := 0; i < imports.Len(); i++ {
			if err := walk(imports.Get(i).FileDescriptor); err != nil {
				return err
			}
		}
		return nil
	}

	for _, f := range compiled {
		if err := walk(f); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &descriptorpb.FileDescriptorSet{File: make([]*descriptorpb.FileDescriptorProto, 0, len(names))}
	for _, name := range names {
		out.File = append(out.File, seen[name])
	}
	return out, nil
}

// fileSystemResolver implements protocompile.Resolver, searching
// importPaths first, then each base path's own directory, then the literal
// path, the same fallback order pkg/grpc/proto.go's resolver uses.
type fileSystemResolver struct {
	importPaths []string
	basePaths   []string
}

func (r *fileSystemResolver) FindFileByPath(path string) (protocompile.SearchResult, error) {
	clean, safe := util.SafeFilePath(path)
	if !safe {
		return protocompile.SearchResult{}, fmt.Errorf("protocsrc: unsafe import path %q", path)
	}
	path = clean
	for _, importPath := range r.importPaths {
		full := filepath.Join(importPath, path)
		if _, err := os.Stat(full); err == nil {
			rc, err := os.Open(full)
			if err != nil {
				return protocompile.SearchResult{}, err
			}
			return protocompile.SearchResult{Source: rc}, nil
		}
	}
	for _, base := range r.basePaths {
		full := filepath.Join(filepath.Dir(base), path)
		if _, err := os.Stat(full); err == nil {
			rc, err := os.Open(full)
			if err != nil {
				return protocompile.SearchResult{}, err
			}
			return protocompile.SearchResult{Source: rc}, nil
		}
	}
	if _, err := os.Stat(path); err == nil {
		rc, err := os.Open(path)
		if err != nil {
			return protocompile.SearchResult{}, err
		}
		return protocompile.SearchResult{Source: rc}, nil
	}
	return protocompile.SearchResult{}, fs.ErrNotExist
}

// hashSources fingerprints the actual content of every named .proto file,
// not just its path, so editing a file invalidates the cache even if the
// path list is unchanged.
func hashSources(paths, importDirs []string) (string, error) {
	h := md5.New()
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)
	for _, p := range sorted {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	sortedDirs := append([]string{}, importDirs...)
	sort.Strings(sortedDirs)
	for _, d := range sortedDirs {
		fmt.Fprintf(h, "\x00%s", d)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
