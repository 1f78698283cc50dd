//go:build !headless

package engine

import (
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/platform/desktop"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
)

type desktopSystem struct {
	*desktop.Platform
}

func (d desktopSystem) NewWindow(title string, offset platform.Offset, extent platform.Extent) (platform.Window, error) {
	w, err := d.Platform.NewWindow(title, offset, extent)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func openDesktop() (windowSystem, error) {
	p, err := desktop.New()
	if err != nil {
		return nil, err
	}
	return desktopSystem{p}, nil
}

func newVulkanInstance(name string, extensions []string, validation bool) (driver.Instance, error) {
	return vulkan.NewInstance(vulkan.InstanceConfig{
		ApplicationName: name,
		Extensions:      extensions,
		Validation:      validation,
	})
}

func swapchainExtension() string {
	return vulkan.ExtensionSwapchain
}
