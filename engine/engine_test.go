package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func headlessConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Application.Headless = true
	cfg.Application.Windows = 2
	cfg.Application.MaxFrames = 5
	cfg.Renderer.Driver = config.DriverSoftware
	cfg.Renderer.SampleCount = 1
	cfg.Assets.Root = t.TempDir()
	if err := os.MkdirAll(filepath.Join(cfg.Assets.Root, cfg.Assets.ShaderDir), 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// spirvStub is the smallest blob the software driver accepts as a module.
func spirvStub() []byte {
	code := make([]byte, 20)
	binary.LittleEndian.PutUint32(code, 0x07230203)
	return code
}

// fullscreenGame draws one FullscreenRenderable and counts its hooks.
type fullscreenGame struct {
	engine    *Engine
	pipeline  *renderer.Pipeline
	updates   int
	renders   int
	shutdowns int
	onRender  func(frame int)
}

func (g *fullscreenGame) game() *Game {
	return &Game{
		Name: "test",
		FnInitialize: func(e *Engine) error {
			g.engine = e
			ctx := e.Context()
			vs, err := ctx.CreateShaderModule(spirvStub(), driver.ShaderStageVertex, "vs_main")
			if err != nil {
				return err
			}
			defer vs.Destroy()
			fs, err := ctx.CreateShaderModule(spirvStub(), driver.ShaderStageFragment, "fs_main")
			if err != nil {
				return err
			}
			defer fs.Destroy()
			g.pipeline, err = ctx.CreateGraphicsPipeline(renderer.PipelineDesc{
				Vertex:           vs,
				Fragment:         fs,
				PushConstantSize: renderer.FullscreenPushConstantSize,
				RenderPass:       e.Windows()[0].RenderPass,
			})
			return err
		},
		FnUpdate: func(float64) error {
			g.updates++
			return nil
		},
		FnRender: func(float64) ([]renderer.Renderable, error) {
			g.renders++
			if g.onRender != nil {
				g.onRender(g.renders)
			}
			return []renderer.Renderable{&renderer.FullscreenRenderable{Pipeline: g.pipeline}}, nil
		},
		FnShutdown: func() error {
			g.shutdowns++
			g.pipeline.Destroy()
			return nil
		},
	}
}

func TestEngineRunsHeadless(t *testing.T) {
	g := &fullscreenGame{}
	e, err := New(headlessConfig(t), g.game())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := len(e.Windows()); got != 2 {
		t.Fatalf("%d window(s), want 2", got)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.updates != 5 || g.renders != 5 {
		t.Fatalf("updates=%d renders=%d, want 5 each", g.updates, g.renders)
	}
	if n := e.FrameLoop().FrameNumber(); n != 5 {
		t.Fatalf("frame number %d, want 5", n)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if g.shutdowns != 1 {
		t.Fatalf("FnShutdown ran %d time(s)", g.shutdowns)
	}
	if e.Stage() != EngineStageShutdown {
		t.Fatalf("stage = %s", e.Stage())
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestEngineStopsWhenEveryWindowCloses(t *testing.T) {
	cfg := headlessConfig(t)
	cfg.Application.MaxFrames = 0
	g := &fullscreenGame{}
	g.onRender = func(frame int) {
		windows := g.engine.Windows()
		switch frame {
		case 2:
			windows[0].Window.Close()
		case 4:
			windows[0].Window.Close()
		}
	}
	e, err := New(cfg, g.game())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()

	var closed []string
	e.Events().Register(core.EVENT_CODE_WINDOW_CLOSED, t, func(_ core.SystemEventCode, _ interface{}, _ interface{}, data core.EventContext) bool {
		closed = append(closed, data.C[0])
		return false
	})
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.renders != 4 {
		t.Fatalf("%d frame(s) rendered, want 4", g.renders)
	}
	if len(closed) != 2 || closed[0] != "test" || closed[1] != "test (2)" {
		t.Fatalf("closed windows = %v", closed)
	}
}

func TestEngineStop(t *testing.T) {
	cfg := headlessConfig(t)
	cfg.Application.MaxFrames = 0
	g := &fullscreenGame{}
	g.onRender = func(frame int) {
		if frame == 3 {
			g.engine.Stop()
		}
	}
	e, err := New(cfg, g.game())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.renders != 3 {
		t.Fatalf("%d frame(s) rendered, want 3", g.renders)
	}
}

func TestEngineResizeReachesTheGame(t *testing.T) {
	cfg := headlessConfig(t)
	cfg.Application.Windows = 1
	var got []platform.Extent
	g := &fullscreenGame{}
	game := g.game()
	game.FnOnResize = func(_ platform.Window, extent platform.Extent) error {
		got = append(got, extent)
		return nil
	}
	g.onRender = func(frame int) {
		if frame == 2 {
			g.engine.Windows()[0].Window.Resize(platform.Extent{Width: 1920, Height: 1080})
		}
	}
	e, err := New(cfg, game)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0] != (platform.Extent{Width: 1920, Height: 1080}) {
		t.Fatalf("resizes = %v", got)
	}
	if ext := e.Windows()[0].Extent(); ext.Width != 1920 || ext.Height != 1080 {
		t.Fatalf("surface extent = %+v after resize", ext)
	}
}

// lockedBuffer collects log output written from any goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestResizeHookErrorIsLoggedVerbatim(t *testing.T) {
	out := &lockedBuffer{}
	core.SetLogOutput(out)
	defer core.SetLogOutput(os.Stderr)

	cfg := headlessConfig(t)
	cfg.Application.Windows = 1
	cfg.Application.MaxFrames = 3
	g := &fullscreenGame{}
	game := g.game()
	game.FnOnResize = func(platform.Window, platform.Extent) error {
		return errors.New("disk 100%s full")
	}
	g.onRender = func(frame int) {
		if frame == 1 {
			g.engine.Windows()[0].Window.Resize(platform.Extent{Width: 640, Height: 360})
		}
	}
	e, err := New(cfg, game)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	logged := out.String()
	if !strings.Contains(logged, "disk 100%s full") {
		t.Fatalf("hook error not logged verbatim:\n%s", logged)
	}
}

func TestEngineHookFailures(t *testing.T) {
	boom := errors.New("boom")

	e, err := New(headlessConfig(t), &Game{FnInitialize: func(*Engine) error { return boom }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); !errors.Is(err, boom) {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Run(); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("Run after a failed Initialize: %v", err)
	}
	// Everything was released: a new renderer context can be created.
	e, err = New(headlessConfig(t), &Game{FnUpdate: func(float64) error { return boom }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()
	if err := e.Run(); !errors.Is(err, boom) {
		t.Fatalf("Run: %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Renderer.FramesInFlight = 0
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestOpenWindowAfterInitialize(t *testing.T) {
	cfg := headlessConfig(t)
	cfg.Application.Windows = 1
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()
	ws, err := e.OpenWindow("extra", platform.Offset{}, platform.Extent{Width: 320, Height: 240})
	if err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	if ws.FrameCount() != cfg.Renderer.FramesInFlight {
		t.Fatalf("%d frame(s), want %d", ws.FrameCount(), cfg.Renderer.FramesInFlight)
	}
	if len(e.Windows()) != 2 {
		t.Fatalf("%d window(s), want 2", len(e.Windows()))
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
