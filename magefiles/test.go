//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

// Runs every test against the software driver.
func Test() error {
	args := []string{"test", "./engine/..."}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	_, err := executeCmd("go", withArgs(args...), withStream())
	return err
}
