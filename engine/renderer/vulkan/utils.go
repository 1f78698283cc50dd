package vulkan

import (
	"bytes"
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

var end = "\x00"
var endChar byte = '\x00'

// VulkanSafeString terminates s with a zero byte, as the binding hands
// strings to C unchanged.
func VulkanSafeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}

// VulkanSafeStrings returns a terminated copy of list.
func VulkanSafeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = VulkanSafeString(list[i])
	}
	return out
}

// cString reads a fixed size, zero terminated name array.
func cString(arr []byte) string {
	if i := bytes.IndexByte(arr, 0); i >= 0 {
		return string(arr[:i])
	}
	return string(arr)
}

// result converts a native status code. The numeric values are shared.
func result(res vk.Result) driver.Result {
	return driver.Result(res)
}

// check returns nil for every success code and the driver result otherwise.
func check(res vk.Result) error {
	return driver.Check(result(res))
}

// checkCall is check with the failed call logged, for calls whose error is
// only returned to the caller.
func checkCall(call string, res vk.Result) error {
	if err := check(res); err != nil {
		core.LogError("%s failed with %s", call, result(res).Describe())
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

func versionString(v uint32) string {
	ver := vk.Version(v)
	return fmt.Sprintf("%d.%d.%d", ver.Major(), ver.Minor(), ver.Patch())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
