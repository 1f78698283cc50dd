//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/magefile/mage/mg"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/lumen/engine/renderer")

const (
	binary    = "bin/lumen"
	shaderDir = "assets/shaders"
)

type Build mg.Namespace

// Builds the engine with the desktop window backend and the Vulkan driver.
func (Build) Engine() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Build engine...")
	_, err := executeCmd("go", withArgs("build", "-o", binary, "."), withStream())
	return err
}

// Builds the engine without cgo; only the software driver is available.
func (Build) Headless() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Build headless engine...")
	_, err := executeCmd("go", withArgs("build", "-tags", "headless", "-o", binary+"-headless", "."),
		withEnv("CGO_ENABLED=0"), withStream())
	return err
}

// Compiles every WGSL source under assets/shaders to SPIR-V. The first
// failing shader stops the build.
func (Build) Shaders() error {
	sources, err := filepath.Glob(filepath.Join(shaderDir, "*.wgsl"))
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, path := range sources {
		g.Go(func() error {
			return compileShader(path)
		})
	}
	return g.Wait()
}

// compileShader writes the SPIR-V module of path next to it. Every entry
// point is checked against the stage it declares.
func compileShader(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	source := string(data)
	entries := renderer.EntryPoints(source)
	if len(entries) == 0 {
		return fmt.Errorf("%s declares no entry point", path)
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var spirv []byte
	for _, entry := range names {
		spirv, err = renderer.CompileShader(source, entries[entry], entry)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".spv"
	if err := os.WriteFile(out, spirv, 0o644); err != nil {
		return err
	}
	if mg.Verbose() {
		fmt.Printf("%s (%s) -> %s\n", path, strings.Join(names, ", "), out)
	}
	return nil
}
