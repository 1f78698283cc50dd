// Package vulkan implements the driver interfaces on top of the goki vulkan
// bindings.
package vulkan

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

const (
	ExtensionSurface     = "VK_KHR_surface"
	ExtensionSwapchain   = "VK_KHR_swapchain"
	ExtensionRayTracing  = "VK_NV_ray_tracing"
	ExtensionDebugReport = "VK_EXT_debug_report"

	extensionPortabilityEnumeration = "VK_KHR_portability_enumeration"
	extensionProperties2            = "VK_KHR_get_physical_device_properties2"
	extensionPortabilitySubset      = "VK_KHR_portability_subset"

	LayerValidation = "VK_LAYER_KHRONOS_validation"

	// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
	instanceCreateEnumeratePortability = 1
)

type InstanceConfig struct {
	ApplicationName string
	// Extensions are the platform surface extensions, see
	// desktop.RequiredInstanceExtensions.
	Extensions []string
	Validation bool
}

type Instance struct {
	handle     vk.Instance
	debug      vk.DebugReportCallback
	extensions []string
	layers     []string

	physical []vk.PhysicalDevice
	surfaces table[vk.Surface]

	mu      sync.Mutex
	devices []*Device
}

// NewInstance loads the loader through glfw and creates the instance.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		core.LogError("GetInstanceProcAddress is nil")
		return nil, fmt.Errorf("GetInstanceProcAddress is nil: %w", driver.ErrorInitializationFailed)
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return nil, err
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(cfg.ApplicationName),
		PEngineName:        VulkanSafeString("Lumen Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{ExtensionSurface}
	for _, e := range cfg.Extensions {
		if !contains(extensions, e) {
			extensions = append(extensions, e)
		}
	}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, extensionPortabilityEnumeration, extensionProperties2)
		createInfo.Flags |= instanceCreateEnumeratePortability
	}

	var layers []string
	if cfg.Validation {
		extensions = append(extensions, ExtensionDebugReport)
		if err := checkLayers([]string{LayerValidation}); err != nil {
			return nil, err
		}
		layers = []string{LayerValidation}
	}
	core.LogInfo("Required extensions: %v", extensions)

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	inst := &Instance{extensions: extensions, layers: layers}
	if err := checkCall("vkCreateInstance", vk.CreateInstance(&createInfo, nil, &inst.handle)); err != nil {
		return nil, err
	}
	if err := vk.InitInstance(inst.handle); err != nil {
		core.LogError("%s", err)
		vk.DestroyInstance(inst.handle, nil)
		return nil, err
	}
	core.LogInfo("Vulkan Instance created.")

	if cfg.Validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		if err := checkCall("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(inst.handle, &debugCreateInfo, nil, &inst.debug)); err != nil {
			vk.DestroyInstance(inst.handle, nil)
			return nil, err
		}
		core.LogDebug("Vulkan debugger created.")
	}

	return inst, nil
}

func checkLayers(required []string) error {
	core.LogInfo("Validation layers enabled. Enumerating...")
	var count uint32
	if err := checkCall("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return err
	}
	available := make([]vk.LayerProperties, count)
	if err := checkCall("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, available)); err != nil {
		return err
	}
	names := make([]string, len(available))
	for i := range available {
		available[i].Deref()
		names[i] = cString(available[i].LayerName[:])
	}
	for _, name := range required {
		if !contains(names, name) {
			core.LogError("Required validation layer is missing: %s", name)
			return fmt.Errorf("layer %s: %w", name, driver.ErrorLayerNotPresent)
		}
	}
	core.LogInfo("All required validation layers are present.")
	return nil
}

func (i *Instance) EnabledExtensions() []string {
	return append([]string(nil), i.extensions...)
}

func (i *Instance) EnabledLayers() []string {
	return append([]string(nil), i.layers...)
}

// NativeHandle returns the vk.Instance, as glfw wants it for
// CreateWindowSurface.
func (i *Instance) NativeHandle() interface{} {
	return i.handle
}

func (i *Instance) SurfaceFromNative(native uintptr) driver.Surface {
	s := vk.SurfaceFromPointer(native)
	return driver.Surface(i.surfaces.add(s))
}

func (i *Instance) surface(s driver.Surface) (vk.Surface, error) {
	h, ok := i.surfaces.get(uint64(s))
	if !ok {
		return vk.NullSurface, fmt.Errorf("unknown surface %d: %w", s, driver.ErrorSurfaceLost)
	}
	return h, nil
}

func (i *Instance) DestroySurface(s driver.Surface) {
	if h, ok := i.surfaces.remove(uint64(s)); ok {
		vk.DestroySurface(i.handle, h, nil)
	}
}

// Destroy releases the surfaces and devices left alive and then the
// instance itself.
func (i *Instance) Destroy() {
	i.mu.Lock()
	devices := i.devices
	i.devices = nil
	i.mu.Unlock()
	for _, d := range devices {
		d.Destroy()
	}
	for _, s := range i.surfaces.drain() {
		vk.DestroySurface(i.handle, s, nil)
	}
	if i.debug != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(i.handle, i.debug, nil)
		i.debug = vk.NullDebugReportCallback
	}
	if i.handle != nil {
		vk.DestroyInstance(i.handle, nil)
		i.handle = nil
	}
	core.LogInfo("Vulkan Instance destroyed.")
}

func (i *Instance) forget(d *Device) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, v := range i.devices {
		if v == d {
			i.devices = append(i.devices[:n], i.devices[n+1:]...)
			return
		}
	}
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		core.LogDebug("DEBUG: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
