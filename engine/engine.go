// Package engine wires configuration, windows, the renderer and the asset
// manager together and drives the frame loop.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything
	EngineStageShutdown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	case EngineStageShutdown:
		return "shut down"
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// windowSystem creates the windows of one platform and pumps their events.
type windowSystem interface {
	platform.EventPump
	NewWindow(title string, offset platform.Offset, extent platform.Extent) (platform.Window, error)
}

type headlessSystem struct {
	platform.HeadlessPump
}

func (headlessSystem) NewWindow(title string, _ platform.Offset, extent platform.Extent) (platform.Window, error) {
	return platform.NewHeadlessWindow(title, extent), nil
}

type Engine struct {
	currentStage Stage
	cfg          *config.Config
	gameInstance *Game

	windowSystem windowSystem
	instance     driver.Instance
	context      *renderer.RendererContext
	frameLoop    *renderer.FrameLoop
	assetManager *assets.AssetManager
	events       *core.EventBus
	windows      []platform.Window

	isRunning atomic.Bool
	clock     *core.Clock
	lastTime  time.Duration

	shutdownOnce sync.Once
}

func New(cfg *config.Config, g *Game) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if g == nil {
		g = &Game{}
	}
	if g.Name == "" {
		g.Name = cfg.Application.Name
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return &Engine{
		currentStage: EngineStageUninitialized,
		cfg:          cfg,
		gameInstance: g,
		events:       core.NewEventBus(),
		clock:        core.NewClock(),
	}, nil
}

// Initialize opens the windows, bootstraps the renderer on the configured
// driver and starts the asset manager. A failed step releases whatever the
// previous steps created.
func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("%w: engine is %s", core.ErrInvalidArgument, e.currentStage)
	}
	e.currentStage = EngineStageInitializing
	if err := e.initialize(); err != nil {
		e.release()
		e.currentStage = EngineStageShutdown
		return err
	}

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e); err != nil {
			e.release()
			e.currentStage = EngineStageShutdown
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	core.LogInfo("Engine initialized with the %s driver and %d window(s).", e.cfg.Renderer.Driver, len(e.windows))
	return nil
}

func (e *Engine) initialize() error {
	app := e.cfg.Application
	rc := e.cfg.Renderer

	if app.Headless {
		e.windowSystem = headlessSystem{}
	} else {
		ws, err := openDesktop()
		if err != nil {
			return err
		}
		e.windowSystem = ws
	}

	// Desktop windows exist before the instance: they tell which surface
	// extensions it needs.
	for i := 0; i < app.Windows; i++ {
		title := e.gameInstance.Name
		if i > 0 {
			title = fmt.Sprintf("%s (%d)", title, i+1)
		}
		offset := platform.Offset{X: app.X + int32(i)*32, Y: app.Y + int32(i)*32}
		w, err := e.windowSystem.NewWindow(title, offset, platform.Extent{Width: app.Width, Height: app.Height})
		if err != nil {
			return err
		}
		e.windows = append(e.windows, w)
	}

	var err error
	switch rc.Driver {
	case config.DriverVulkan:
		e.instance, err = newVulkanInstance(e.gameInstance.Name, e.windowSystem.RequiredInstanceExtensions(), rc.Validation)
	case config.DriverSoftware:
		e.instance = software.NewInstance()
	}
	if err != nil {
		return err
	}

	opts := renderer.DefaultOptions()
	opts.AllocatorBlockSize = rc.AllocatorBlockSize
	opts.SurfaceFormat.Format = rc.Format()
	opts.DepthFormat = rc.Depth()
	opts.Samples = rc.Samples()
	req := renderer.Requirements{
		Features:         rc.RequiredFeatures(),
		QueueFlags:       driver.QueueGraphics,
		DeviceExtensions: append([]string{swapchainExtension()}, rc.DeviceExtensions...),
	}
	e.context, err = renderer.New(e.instance, req, opts)
	if err != nil {
		return err
	}

	e.frameLoop, err = renderer.NewFrameLoop(e.context, rc.FramesInFlight)
	if err != nil {
		return err
	}
	e.frameLoop.MetricsInterval = rc.MetricsInterval

	for _, w := range e.windows {
		if err := e.attach(w); err != nil {
			return err
		}
	}

	e.assetManager, err = assets.NewAssetManager(e.cfg.Assets, e.context, e.frameLoop)
	if err != nil {
		return err
	}
	if e.cfg.Assets.HotReload {
		if err := e.assetManager.WatchShaders(e.onShaderReloaded); err != nil {
			// Hot reload is a convenience; the engine runs without it.
			core.LogWarn("shader hot reload disabled: %s", err)
		}
	}
	return nil
}

// attach creates the surface of w and adds it to the frame loop.
func (e *Engine) attach(w platform.Window) error {
	ws, err := renderer.CreateWindowSurface(e.context, w, e.frameLoop.FramesInFlight())
	if err != nil {
		return err
	}
	if err := e.frameLoop.AddWindow(ws); err != nil {
		ws.Destroy()
		return err
	}
	w.OnResize(func(extent platform.Extent) {
		e.events.Fire(core.EVENT_CODE_RESIZED, w, core.EventContext{U32: [4]uint32{extent.Width, extent.Height}})
	})
	w.OnClose(func() {
		e.events.Fire(core.EVENT_CODE_WINDOW_CLOSED, w, core.EventContext{C: [2]string{w.Title()}})
	})
	w.Show()
	return nil
}

// Run drives frames until every window is closed, the frame limit is
// reached or Stop is called. Per-frame renderer failures are logged and the
// loop goes on; a failing game hook ends the run with its error.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("%w: engine is %s", core.ErrInvalidArgument, e.currentStage)
	}
	e.currentStage = EngineStageRunning
	defer func() { e.currentStage = EngineStageInitialized }()

	e.isRunning.Store(true)
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	maxFrames := e.cfg.Application.MaxFrames
	for e.isRunning.Load() {
		e.windowSystem.PollEvents()
		if e.closeWindows() == 0 {
			core.LogInfo("Every window is closed, stopping.")
			break
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - e.lastTime).Seconds()
		e.lastTime = currentTime

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("Game update failed, shutting down.")
				return err
			}
		}

		if err := e.frameLoop.BeginFrame(); err != nil {
			core.LogError("Frame %d: %s", e.frameLoop.FrameNumber(), err)
		}

		var renderables []renderer.Renderable
		if e.gameInstance.FnRender != nil {
			var err error
			renderables, err = e.gameInstance.FnRender(delta)
			if err != nil {
				core.LogError("Game render failed, shutting down.")
				return err
			}
		}
		if err := e.frameLoop.EndFrame(renderables); err != nil {
			core.LogError("Frame %d: %s", e.frameLoop.FrameNumber(), err)
		}

		if maxFrames > 0 && e.frameLoop.FrameNumber() >= maxFrames {
			core.LogInfo("Reached %d frame(s), stopping.", maxFrames)
			break
		}
	}
	e.isRunning.Store(false)
	return nil
}

// closeWindows detaches the windows that asked to close and returns how
// many are left.
func (e *Engine) closeWindows() int {
	for _, ws := range e.frameLoop.Windows() {
		if ws.Window.ShouldClose() {
			core.LogInfo("Window '%s' closed.", ws.Window.Title())
			e.frameLoop.RemoveWindow(ws)
			ws.Window.Hide()
		}
	}
	return len(e.frameLoop.Windows())
}

// Stop ends Run after the current frame. It is safe to call from any
// goroutine, e.g. a signal handler.
func (e *Engine) Stop() {
	e.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
}

// Shutdown waits for the GPU and releases everything in reverse creation
// order. Loads still queued are finished and their completions delivered
// first, so the game can release what they produced.
func (e *Engine) Shutdown() error {
	var err error
	e.shutdownOnce.Do(func() {
		e.isRunning.Store(false)
		e.currentStage = EngineStageShuttingDown
		if e.assetManager != nil {
			err = e.assetManager.Shutdown()
			e.assetManager = nil
			if ferr := e.frameLoop.BeginFrame(); ferr != nil {
				core.LogError("draining completions: %s", ferr)
			}
		}
		if e.context != nil {
			if werr := e.context.Device.WaitIdle(); werr != nil {
				core.LogError("Failed waiting for device idle: %s", werr)
			}
		}
		if e.gameInstance.FnShutdown != nil && e.context != nil {
			err = errors.Join(err, e.gameInstance.FnShutdown())
		}
		err = errors.Join(err, e.release())
		e.events.Shutdown()
		e.currentStage = EngineStageShutdown
		core.LogInfo("Engine shut down.")
	})
	return err
}

// release destroys what initialize created; any step may be missing.
func (e *Engine) release() error {
	var errs []error
	if e.assetManager != nil {
		errs = append(errs, e.assetManager.Shutdown())
		e.assetManager = nil
	}
	if e.frameLoop != nil {
		e.frameLoop.Destroy()
		e.frameLoop = nil
	}
	if e.context != nil {
		errs = append(errs, e.context.Shutdown())
		e.context = nil
	}
	if e.instance != nil {
		e.instance.Destroy()
		e.instance = nil
	}
	if e.windowSystem != nil {
		errs = append(errs, e.windowSystem.Shutdown())
		e.windowSystem = nil
	}
	e.windows = nil
	return errors.Join(errs...)
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

func (e *Engine) Context() *renderer.RendererContext {
	return e.context
}

func (e *Engine) FrameLoop() *renderer.FrameLoop {
	return e.frameLoop
}

func (e *Engine) Assets() *assets.AssetManager {
	return e.assetManager
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

// Windows returns the windows still attached to the frame loop.
func (e *Engine) Windows() []*renderer.WindowSurface {
	if e.frameLoop == nil {
		return nil
	}
	return e.frameLoop.Windows()
}

// OpenWindow opens one more window after initialization.
func (e *Engine) OpenWindow(title string, offset platform.Offset, extent platform.Extent) (*renderer.WindowSurface, error) {
	if e.frameLoop == nil {
		return nil, fmt.Errorf("%w: engine is %s", core.ErrInvalidArgument, e.currentStage)
	}
	w, err := e.windowSystem.NewWindow(title, offset, extent)
	if err != nil {
		return nil, err
	}
	if err := e.attach(w); err != nil {
		w.Close()
		return nil, err
	}
	e.windows = append(e.windows, w)
	for _, ws := range e.frameLoop.Windows() {
		if ws.Window == w {
			return ws, nil
		}
	}
	return nil, fmt.Errorf("%w: window '%s' is gone", core.ErrDestroyed, title)
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	w, ok := sender.(platform.Window)
	if !ok {
		core.LogError("wrong sender associated with the event type `%d`", code)
		return false
	}
	extent := platform.Extent{Width: data.U32[0], Height: data.U32[1]}
	if extent.IsZero() {
		core.LogInfo("Window '%s' minimized.", w.Title())
	} else {
		core.LogDebug("Window '%s' resized: %d, %d", w.Title(), extent.Width, extent.Height)
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(w, extent); err != nil {
			core.LogError("%s", err)
		}
	}
	return false
}

func (e *Engine) onShaderReloaded(p *assets.ShaderProgram) {
	handled := e.events.Fire(core.EVENT_CODE_SHADER_RELOADED, p, core.EventContext{C: [2]string{p.Name}})
	if !handled {
		// Nobody took ownership of the modules.
		p.Destroy()
	}
}
