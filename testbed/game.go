package testbed

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

const (
	backgroundShader = "fullscreen"
	overlayShader    = "overlay"

	// seconds between two refreshes of the statistics text
	statsInterval = 0.5
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	engine *engine.Engine

	background      *renderer.Pipeline
	overlayPipeline *renderer.Pipeline
	font            *assets.FontAtlas
	overlay         *assets.TextOverlay

	sinceStats float64
}

func NewTestGame(name string) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			Name:  name,
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(e *engine.Engine) error {
	core.LogDebug("TestGame Initialize fn....")

	state := g.state()
	state.engine = e

	if len(e.Windows()) == 0 {
		return fmt.Errorf("%w: the testbed needs at least one window", core.ErrInvalidArgument)
	}

	e.Events().Register(core.EVENT_CODE_SHADER_RELOADED, g, g.onShaderReloaded)

	if err := e.Assets().LoadShader(backgroundShader, g.onBackgroundLoaded); err != nil {
		return err
	}

	if font := e.Config().Assets.FontFile; font != "" {
		if err := e.Assets().LoadFont(font, g.onFontLoaded); err != nil {
			return err
		}
	}
	return nil
}

func (g *TestGame) onBackgroundLoaded(program *assets.ShaderProgram, err error) {
	if err != nil {
		core.LogError("failed to load the background shader: %s", err)
		return
	}
	defer program.Destroy()
	if err := g.rebuild(program); err != nil {
		core.LogError("%s", err)
	}
}

func (g *TestGame) onFontLoaded(font *assets.FontAtlas, err error) {
	if err != nil {
		core.LogError("failed to load the overlay font: %s", err)
		return
	}
	core.LogInfo("Font '%s' %dpx loaded with %d glyph(s).", font.Face, font.Size, len(font.Glyphs))
	g.state().font = font
	if err := g.state().engine.Assets().LoadShader(overlayShader, g.onOverlayLoaded); err != nil {
		core.LogError("failed to queue the overlay shader: %s", err)
	}
}

func (g *TestGame) onOverlayLoaded(program *assets.ShaderProgram, err error) {
	if err != nil {
		core.LogError("failed to load the overlay shader: %s", err)
		return
	}
	defer program.Destroy()
	if err := g.rebuild(program); err != nil {
		core.LogError("%s", err)
	}
}

// rebuild replaces the pipeline built from program. The old one may still
// be referenced by frames in flight, so the device is drained first.
func (g *TestGame) rebuild(program *assets.ShaderProgram) error {
	state := g.state()
	windows := state.engine.Windows()
	if len(windows) == 0 {
		return fmt.Errorf("no window left to build '%s' for", program.Name)
	}
	ctx := state.engine.Context()
	desc := renderer.PipelineDesc{
		Vertex:     program.Vertex,
		Fragment:   program.Fragment,
		CullMode:   driver.CullModeNone,
		RenderPass: windows[0].RenderPass,
	}

	switch program.Name {
	case backgroundShader:
		desc.PushConstantSize = renderer.FullscreenPushConstantSize
		p, err := ctx.CreateGraphicsPipeline(desc)
		if err != nil {
			return fmt.Errorf("background pipeline: %w", err)
		}
		if state.background != nil {
			_ = ctx.Device.WaitIdle()
			state.background.Destroy()
		}
		state.background = p

	case overlayShader:
		if state.font == nil {
			return fmt.Errorf("overlay shader loaded without a font")
		}
		desc.VertexStride = assets.OverlayVertexStride
		desc.VertexAttributes = assets.OverlayVertexAttributes()
		desc.PushConstantSize = 8
		desc.Blend = true
		p, err := ctx.CreateGraphicsPipeline(desc)
		if err != nil {
			return fmt.Errorf("overlay pipeline: %w", err)
		}
		if state.overlay == nil {
			overlay, err := assets.NewTextOverlay(ctx, state.engine.FrameLoop(), state.font, p)
			if err != nil {
				p.Destroy()
				return err
			}
			state.overlay = overlay
		} else {
			_ = ctx.Device.WaitIdle()
			state.overlayPipeline.Destroy()
			state.overlay.Renderable.Pipeline = p
		}
		state.overlayPipeline = p

	default:
		return fmt.Errorf("no pipeline uses shader '%s'", program.Name)
	}
	core.LogInfo("Pipeline for shader '%s' built.", program.Name)
	return nil
}

func (g *TestGame) onShaderReloaded(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	program, ok := sender.(*assets.ShaderProgram)
	if !ok {
		core.LogError("wrong sender associated with the event type `%d`", code)
		return false
	}
	if program.Name != backgroundShader && program.Name != overlayShader {
		return false
	}
	defer program.Destroy()
	if err := g.rebuild(program); err != nil {
		core.LogError("shader '%s' reloaded but not applied: %s", program.Name, err)
	}
	return true
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	if state.overlay == nil {
		return nil
	}
	state.overlay.Collect()
	state.sinceStats += deltaTime
	if state.sinceStats < statsInterval {
		return nil
	}
	state.sinceStats = 0
	fps, ms := state.engine.FrameLoop().Metrics().Frame()
	text := fmt.Sprintf("%.0f fps\n%.2f ms\nframe %d", fps, ms, state.engine.FrameLoop().FrameNumber())
	return state.overlay.SetText(text, 8, 8)
}

func (g *TestGame) Render(deltaTime float64) ([]renderer.Renderable, error) {
	state := g.state()
	var out []renderer.Renderable
	if state.background != nil {
		out = append(out, &renderer.FullscreenRenderable{Pipeline: state.background})
	}
	if state.overlay != nil {
		out = append(out, state.overlay.Renderable)
	}
	return out, nil
}

func (g *TestGame) OnResize(window platform.Window, extent platform.Extent) error {
	core.LogDebug("testbed: '%s' is now %dx%d", window.Title(), extent.Width, extent.Height)
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	if state.overlay != nil {
		state.overlay.Destroy()
		state.overlay = nil
	}
	state.overlayPipeline.Destroy()
	state.background.Destroy()
	core.LogInfo("TestGame shut down.")
	return nil
}
