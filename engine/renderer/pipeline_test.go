package renderer

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

const triangleWGSL = `
struct Push {
    resolution: vec2<f32>,
    time: f32,
    frame: u32,
}

var<push_constant> push: Push;

@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(i) - 1);
    let y = f32(i32(i & 1u) * 2 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    let uv = pos.xy / push.resolution;
    return vec4<f32>(uv, 0.5 + 0.5 * sin(push.time), 1.0);
}

@compute @workgroup_size(8, 8)
fn cs_main() {}
`

func TestEntryPoints(t *testing.T) {
	got := EntryPoints(triangleWGSL)
	want := map[string]driver.ShaderStage{
		"vs_main": driver.ShaderStageVertex,
		"fs_main": driver.ShaderStageFragment,
		"cs_main": driver.ShaderStageCompute,
	}
	if len(got) != len(want) {
		t.Fatalf("EntryPoints = %v", got)
	}
	for name, stage := range want {
		if got[name] != stage {
			t.Errorf("%s: got %s, want %s", name, got[name], stage)
		}
	}
}

func TestCompileShaderChecksEntryPoint(t *testing.T) {
	if _, err := CompileShader(triangleWGSL, driver.ShaderStageVertex, "main"); !errors.Is(err, core.ErrShaderCompileFailed) {
		t.Fatalf("missing entry point: %v", err)
	}
	if _, err := CompileShader(triangleWGSL, driver.ShaderStageVertex, "fs_main"); !errors.Is(err, core.ErrShaderCompileFailed) {
		t.Fatalf("entry point of the wrong stage: %v", err)
	}
}

func TestCompileShader(t *testing.T) {
	spirv, err := CompileShader(triangleWGSL, driver.ShaderStageFragment, "fs_main")
	if err != nil {
		if strings.Contains(err.Error(), "not yet implemented") || strings.Contains(err.Error(), "not supported") {
			t.Skipf("compiler does not support this shader yet: %v", err)
		}
		t.Fatalf("CompileShader: %v", err)
	}
	if len(spirv) < 20 || spirv[0] != 0x03 || spirv[1] != 0x02 || spirv[2] != 0x23 || spirv[3] != 0x07 {
		t.Fatalf("output is not SPIR-V: % x", spirv[:min(len(spirv), 8)])
	}
}

func TestCompileShaderRejectsInvalidSource(t *testing.T) {
	src := "@fragment fn broken( -> { }"
	if _, err := CompileShader(src, driver.ShaderStageFragment, "broken"); !errors.Is(err, core.ErrShaderCompileFailed) {
		t.Fatalf("expected ErrShaderCompileFailed, got %v", err)
	}
}

func newTestPipeline(t *testing.T, ctx *RendererContext, rp *RenderPass, pushSize uint32) *Pipeline {
	t.Helper()
	vs, err := ctx.CreateShaderModule(spirvStub(), driver.ShaderStageVertex, "vs_main")
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	defer vs.Destroy()
	fs, err := ctx.CreateShaderModule(spirvStub(), driver.ShaderStageFragment, "fs_main")
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	defer fs.Destroy()
	p, err := ctx.CreateGraphicsPipeline(PipelineDesc{
		Vertex:           vs,
		Fragment:         fs,
		CullMode:         driver.CullModeNone,
		PushConstantSize: pushSize,
		RenderPass:       rp,
	})
	if err != nil {
		t.Fatalf("CreateGraphicsPipeline: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func TestCreateGraphicsPipeline(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	rp, err := ctx.RenderPass(driver.FormatB8G8R8A8Unorm, driver.FormatD32Sfloat, driver.Samples1)
	if err != nil {
		t.Fatalf("RenderPass: %v", err)
	}
	p := newTestPipeline(t, ctx, rp, FullscreenPushConstantSize)
	if !p.Valid() || p.RenderPass != rp {
		t.Fatalf("pipeline = %+v", p)
	}
	p.Destroy()
	p.Destroy()
	if n := dev.LiveObjects()["shaderModule"]; n != 0 {
		t.Fatalf("%d shader modules alive", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestCreateGraphicsPipelineChecksPushConstantLimit(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	rp, _ := ctx.RenderPass(driver.FormatB8G8R8A8Unorm, driver.FormatD32Sfloat, driver.Samples1)
	vs, _ := ctx.CreateShaderModule(spirvStub(), driver.ShaderStageVertex, "vs_main")
	defer vs.Destroy()
	fs, _ := ctx.CreateShaderModule(spirvStub(), driver.ShaderStageFragment, "fs_main")
	defer fs.Destroy()

	_, err := ctx.CreateGraphicsPipeline(PipelineDesc{Vertex: vs, Fragment: fs, RenderPass: rp, PushConstantSize: 256})
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ctx.CreateGraphicsPipeline(PipelineDesc{Vertex: vs, Fragment: fs}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("pipeline without render pass: %v", err)
	}
	if n := dev.LiveObjects()["pipeline"]; n != 0 {
		t.Fatalf("%d pipelines created", n)
	}
}

func TestCreateShaderModuleRejectsGarbage(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	if _, err := ctx.CreateShaderModule([]byte("not spirv at all...."), driver.ShaderStageVertex, "main"); !errors.Is(err, core.ErrShaderCompileFailed) {
		t.Fatalf("expected ErrShaderCompileFailed, got %v", err)
	}
}

func TestRenderPassIsShared(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	a, _ := ctx.RenderPass(driver.FormatB8G8R8A8Unorm, driver.FormatD32Sfloat, driver.Samples1)
	b, _ := ctx.RenderPass(driver.FormatB8G8R8A8Unorm, driver.FormatD32Sfloat, driver.Samples1)
	c, err := ctx.RenderPass(driver.FormatB8G8R8A8Unorm, driver.FormatD32Sfloat, driver.Samples4)
	if err != nil {
		t.Fatalf("RenderPass: %v", err)
	}
	if a != b || a == c {
		t.Fatal("render passes must be shared per format and sample count")
	}
	if n := dev.LiveObjects()["renderPass"]; n != 2 {
		t.Fatalf("%d render passes, want 2", n)
	}
	if !c.Multisampled() || len(c.ClearValues([4]float32{})) != 3 || len(a.ClearValues([4]float32{})) != 2 {
		t.Fatal("multisampled pass must carry a resolve attachment")
	}
}

func TestAccelerationStructureBuild(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	vertices, err := ctx.CreateBufferWithData(pattern(36*4), driver.BufferUsageVertex|driver.BufferUsageRayTracing, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData: %v", err)
	}
	defer vertices.Destroy()

	as, err := ctx.CreateAccelerationStructure(driver.AccelerationStructureBottomLevel, 1, 0)
	if err != nil {
		t.Fatalf("CreateAccelerationStructure: %v", err)
	}
	if !as.Armed() || as.DeviceHandle == 0 {
		t.Fatalf("structure = %+v", as)
	}
	geometry := driver.AccelerationStructureGeometry{
		VertexBuffer: vertices.Handle,
		VertexCount:  3,
		VertexStride: 12,
		VertexFormat: driver.FormatR32G32B32Sfloat,
	}
	if err := as.Build(geometry); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if n := dev.AccelerationStructureBuilds(as.Handle); n != 1 {
		t.Fatalf("%d builds, want 1", n)
	}
	if err := as.RebuildIfDirty(); err != nil || dev.AccelerationStructureBuilds(as.Handle) != 1 {
		t.Fatal("a clean structure must not be rebuilt")
	}

	as.MarkDirty()
	ctx.rebuildDirty()
	if n := dev.AccelerationStructureBuilds(as.Handle); n != 2 || as.IsDirty() {
		t.Fatalf("%d builds after marking dirty, dirty=%v", n, as.IsDirty())
	}
	if n := dev.LiveObjects()["buffer"]; n != 1 {
		t.Fatalf("scratch buffers leaked: %d buffers alive", n)
	}

	as.Destroy()
	as.Destroy()
	if as.Armed() || dev.LiveObjects()["accelerationStructure"] != 0 {
		t.Fatal("structure survived Destroy")
	}
	if err := as.Build(geometry); !errors.Is(err, core.ErrDestroyed) {
		t.Fatalf("building a destroyed structure: %v", err)
	}
	assertNoValidationErrors(t, dev)
}

func TestAccelerationStructureWithoutRayTracing(t *testing.T) {
	spec := software.DefaultDeviceSpec()
	spec.Features &^= driver.FeatureRayTracing
	ctx, _, dev := newTestContextWith(t, DefaultOptions(), spec)
	if _, err := ctx.CreateAccelerationStructure(driver.AccelerationStructureTopLevel, 0, 4); !errors.Is(err, core.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if n := dev.LiveObjects()["accelerationStructure"]; n != 0 {
		t.Fatalf("%d structures created", n)
	}
	assertStats(t, ctx, AllocatorStats{})
}

func TestMarkDirtyFromWorkers(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	vertices, err := ctx.CreateBufferWithData(pattern(36*4), driver.BufferUsageVertex|driver.BufferUsageRayTracing, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData: %v", err)
	}
	defer vertices.Destroy()
	as, err := ctx.CreateAccelerationStructure(driver.AccelerationStructureBottomLevel, 1, 0)
	if err != nil {
		t.Fatalf("CreateAccelerationStructure: %v", err)
	}
	defer as.Destroy()
	if err := as.Build(driver.AccelerationStructureGeometry{
		VertexBuffer: vertices.Handle,
		VertexCount:  3,
		VertexStride: 12,
		VertexFormat: driver.FormatR32G32B32Sfloat,
	}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				as.MarkDirty()
			}
		}()
	}
	for i := 0; i < 5; i++ {
		ctx.rebuildDirty()
	}
	wg.Wait()
	ctx.rebuildDirty()
	if as.IsDirty() {
		t.Fatal("structure still dirty after a rebuild")
	}
	if n := dev.AccelerationStructureBuilds(as.Handle); n < 2 {
		t.Fatalf("%d builds, want at least 2", n)
	}
	assertNoValidationErrors(t, dev)
}
