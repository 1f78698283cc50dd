// Package assets loads shader sources, textures and fonts on background
// workers and hands the results back to the frame thread.
package assets

import (
	"fmt"
	"path/filepath"

	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
)

// AssetManager resolves asset names under the asset root and loads them
// through a JobSystem. Every done callback runs on the frame thread.
type AssetManager struct {
	root      string
	shaderDir string
	ctx       *renderer.RendererContext
	jobs      *JobSystem
	watcher   *ShaderWatcher
}

func NewAssetManager(cfg config.AssetsConfig, ctx *renderer.RendererContext, handoff Handoff) (*AssetManager, error) {
	jobs, err := NewJobSystem(cfg.Workers, cfg.QueueDepth, handoff)
	if err != nil {
		return nil, err
	}
	return &AssetManager{
		root:      cfg.Root,
		shaderDir: filepath.Join(cfg.Root, cfg.ShaderDir),
		ctx:       ctx,
		jobs:      jobs,
	}, nil
}

// Path resolves name relative to the asset root. Absolute names are kept.
func (am *AssetManager) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(am.root, name)
}

func (am *AssetManager) ShaderPath(name string) string {
	return filepath.Join(am.shaderDir, name+ShaderExtension)
}

// LoadShader reads the source in the background and compiles it on the
// frame thread.
func (am *AssetManager) LoadShader(name string, done func(*ShaderProgram, error)) error {
	return am.loadShaderFile(am.ShaderPath(name), done)
}

func (am *AssetManager) loadShaderFile(path string, done func(*ShaderProgram, error)) error {
	return am.jobs.Submit(JobTask{
		Name: "shader " + path,
		Run: func() (interface{}, error) {
			return ReadShaderSource(path)
		},
		OnComplete: func(result interface{}) error {
			program, err := CompileProgram(am.ctx, result.(*ShaderSource))
			done(program, err)
			return err
		},
		OnFailure: func(err error) { done(nil, err) },
	})
}

// LoadTexture decodes the image in the background and uploads it on the
// frame thread.
func (am *AssetManager) LoadTexture(name string, done func(*Texture, error)) error {
	path := am.Path(name)
	return am.jobs.Submit(JobTask{
		Name: "texture " + path,
		Run: func() (interface{}, error) {
			return ReadTexture(path)
		},
		OnComplete: func(result interface{}) error {
			tex, err := UploadTexture(am.ctx, result.(*TextureData))
			done(tex, err)
			return err
		},
		OnFailure: func(err error) { done(nil, err) },
	})
}

// LoadFont parses the font and decodes its page in the background.
func (am *AssetManager) LoadFont(name string, done func(*FontAtlas, error)) error {
	path := am.Path(name)
	return am.jobs.Submit(JobTask{
		Name: "font " + path,
		Run: func() (interface{}, error) {
			return LoadFont(path)
		},
		OnComplete: func(result interface{}) error {
			done(result.(*FontAtlas), nil)
			return nil
		},
		OnFailure: func(err error) { done(nil, err) },
	})
}

// WatchShaders recompiles every shader source written under the shader
// directory and passes the new program to reload on the frame thread.
// Failed compiles are logged and the previous program stays in use.
func (am *AssetManager) WatchShaders(reload func(*ShaderProgram)) error {
	if am.watcher != nil {
		return fmt.Errorf("%w: shaders are already watched", core.ErrInvalidArgument)
	}
	w, err := NewShaderWatcher(am.shaderDir, DefaultDebounce, func(path string) {
		err := am.loadShaderFile(path, func(p *ShaderProgram, err error) {
			if err != nil {
				core.LogError("reloading %s: %s", path, err)
				return
			}
			core.LogInfo("Shader '%s' reloaded.", p.Name)
			reload(p)
		})
		if err != nil {
			core.LogWarn("cannot reload %s: %s", path, err)
		}
	})
	if err != nil {
		return err
	}
	am.watcher = w
	return nil
}

// Shutdown stops the watcher and waits for queued loads. Their completions
// are still delivered through the handoff.
func (am *AssetManager) Shutdown() error {
	if am.watcher != nil {
		_ = am.watcher.Close()
		am.watcher = nil
	}
	return am.jobs.Shutdown()
}
