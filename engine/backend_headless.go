//go:build headless

package engine

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

func openDesktop() (windowSystem, error) {
	return nil, fmt.Errorf("%w: built without desktop windows", core.ErrNotImplemented)
}

func newVulkanInstance(string, []string, bool) (driver.Instance, error) {
	return nil, fmt.Errorf("%w: built without the vulkan driver", core.ErrNotImplemented)
}

func swapchainExtension() string {
	return software.ExtensionSwapchain
}
