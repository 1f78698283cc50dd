package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// ShaderExtension is the extension of shader sources (WGSL).
const ShaderExtension = ".wgsl"

type ShaderSource struct {
	Name   string
	Path   string
	Source string
}

// ShaderName is the file name of path without the extension.
func ShaderName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func ReadShaderSource(path string) (*ShaderSource, error) {
	if filepath.Ext(path) != ShaderExtension {
		return nil, fmt.Errorf("%w: %s is not a %s file", core.ErrUnsupportedFormat, path, ShaderExtension)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFileLoadFailed, err)
	}
	return &ShaderSource{Name: ShaderName(path), Path: path, Source: string(data)}, nil
}

// ShaderProgram is a vertex and a fragment stage compiled from one source.
type ShaderProgram struct {
	Name     string
	Vertex   *renderer.ShaderModule
	Fragment *renderer.ShaderModule
}

// entryPoint picks the first entry point of stage in name order.
func entryPoint(entries map[string]driver.ShaderStage, stage driver.ShaderStage) (string, bool) {
	var names []string
	for name, s := range entries {
		if s == stage {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// CompileProgram compiles the vertex and fragment entry points of src.
func CompileProgram(ctx *renderer.RendererContext, src *ShaderSource) (*ShaderProgram, error) {
	entries := renderer.EntryPoints(src.Source)
	vs, ok := entryPoint(entries, driver.ShaderStageVertex)
	if !ok {
		return nil, fmt.Errorf("%w: %s declares no vertex entry point", core.ErrShaderCompileFailed, src.Path)
	}
	fs, ok := entryPoint(entries, driver.ShaderStageFragment)
	if !ok {
		return nil, fmt.Errorf("%w: %s declares no fragment entry point", core.ErrShaderCompileFailed, src.Path)
	}

	vertex, err := ctx.CompileShaderModule(src.Source, driver.ShaderStageVertex, vs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Path, err)
	}
	fragment, err := ctx.CompileShaderModule(src.Source, driver.ShaderStageFragment, fs)
	if err != nil {
		vertex.Destroy()
		return nil, fmt.Errorf("%s: %w", src.Path, err)
	}
	return &ShaderProgram{Name: src.Name, Vertex: vertex, Fragment: fragment}, nil
}

// Destroy releases both modules. Pipelines built from them stay valid.
func (p *ShaderProgram) Destroy() {
	if p == nil {
		return
	}
	p.Vertex.Destroy()
	p.Fragment.Destroy()
}
