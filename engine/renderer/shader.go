package renderer

import (
	"fmt"
	"regexp"

	"github.com/gogpu/naga"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

var entryPointPattern = regexp.MustCompile(`@(vertex|fragment|compute)(?:\s*@\w+(?:\([^)]*\))?)*\s*fn\s+([A-Za-z_][A-Za-z0-9_]*)`)

var stageAttributes = map[string]driver.ShaderStage{
	"vertex":   driver.ShaderStageVertex,
	"fragment": driver.ShaderStageFragment,
	"compute":  driver.ShaderStageCompute,
}

// EntryPoints lists the entry points declared in WGSL source by stage.
func EntryPoints(source string) map[string]driver.ShaderStage {
	out := make(map[string]driver.ShaderStage)
	for _, m := range entryPointPattern.FindAllStringSubmatch(source, -1) {
		out[m[2]] = stageAttributes[m[1]]
	}
	return out
}

// CompileShader compiles WGSL source to SPIR-V. The source must declare
// entryPoint for stage.
func CompileShader(source string, stage driver.ShaderStage, entryPoint string) ([]byte, error) {
	declared, ok := EntryPoints(source)[entryPoint]
	if !ok {
		return nil, fmt.Errorf("%w: no entry point '%s'", core.ErrShaderCompileFailed, entryPoint)
	}
	if declared != stage {
		return nil, fmt.Errorf("%w: entry point '%s' is a %s shader, not %s", core.ErrShaderCompileFailed, entryPoint, declared, stage)
	}
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrShaderCompileFailed, err)
	}
	if len(spirv) == 0 || len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: compiler produced %d bytes", core.ErrShaderCompileFailed, len(spirv))
	}
	return spirv, nil
}

// ShaderModule is a compiled stage ready to be linked into pipelines.
type ShaderModule struct {
	Handle     driver.ShaderModule
	Stage      driver.ShaderStage
	EntryPoint string
	Name       string

	ctx *RendererContext
}

func (c *RendererContext) CreateShaderModule(code []byte, stage driver.ShaderStage, entryPoint string) (*ShaderModule, error) {
	h, err := c.Device.CreateShaderModule(code)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s module: %w", core.ErrShaderCompileFailed, stage, err)
	}
	return &ShaderModule{
		Handle:     h,
		Stage:      stage,
		EntryPoint: entryPoint,
		Name:       c.nameObject(uint64(h), driver.ObjectShaderModule, "shader"),
		ctx:        c,
	}, nil
}

// CompileShaderModule compiles source and creates the module in one step.
func (c *RendererContext) CompileShaderModule(source string, stage driver.ShaderStage, entryPoint string) (*ShaderModule, error) {
	code, err := CompileShader(source, stage, entryPoint)
	if err != nil {
		return nil, err
	}
	return c.CreateShaderModule(code, stage, entryPoint)
}

func (m *ShaderModule) Destroy() {
	if m == nil || m.Handle == 0 {
		return
	}
	m.ctx.Device.DestroyShaderModule(m.Handle)
	m.Handle = 0
}
