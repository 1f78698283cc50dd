//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and runs the engine with lumen.toml.
func (Run) Engine() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run engine...")
	_, err := executeCmd("go", withArgs("run", ".", "-config", "lumen.toml"), withStream())
	return err
}

// Runs the engine off-screen on the software driver for a few frames.
func (Run) Headless() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run headless engine...")
	_, err := executeCmd("go", withArgs("run", "-tags", "headless", ".", "-headless", "-frames", "120"),
		withEnv("CGO_ENABLED=0"), withStream())
	return err
}
