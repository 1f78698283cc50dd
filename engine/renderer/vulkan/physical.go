package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// PhysicalDevices enumerates the adapters. The returned handles index the
// instance's adapter list, starting at one.
func (i *Instance) PhysicalDevices() ([]driver.PhysicalDeviceInfo, error) {
	var count uint32
	if err := checkCall("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(i.handle, &count, nil)); err != nil {
		return nil, err
	}
	if count == 0 {
		core.LogError("No devices which support Vulkan were found.")
		return nil, nil
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := checkCall("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(i.handle, &count, devices)); err != nil {
		return nil, err
	}
	i.physical = devices[:count]

	out := make([]driver.PhysicalDeviceInfo, 0, count)
	for n, pd := range i.physical {
		info, err := describe(pd)
		if err != nil {
			return nil, err
		}
		info.Handle = driver.PhysicalDevice(n + 1)
		out = append(out, info)
	}
	return out, nil
}

func (i *Instance) physicalDevice(pd driver.PhysicalDevice) (vk.PhysicalDevice, error) {
	n := int(pd) - 1
	if n < 0 || n >= len(i.physical) {
		return nil, fmt.Errorf("unknown physical device %d: %w", pd, driver.ErrorInitializationFailed)
	}
	return i.physical[n], nil
}

func describe(pd vk.PhysicalDevice) (driver.PhysicalDeviceInfo, error) {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &properties)
	properties.Deref()
	properties.Limits.Deref()

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(pd, &features)
	features.Deref()

	extensions, err := deviceExtensions(pd)
	if err != nil {
		return driver.PhysicalDeviceInfo{}, err
	}

	info := driver.PhysicalDeviceInfo{
		Name:          cString(properties.DeviceName[:]),
		Type:          fromDeviceType(properties.DeviceType),
		VendorID:      properties.VendorID,
		DeviceID:      properties.DeviceID,
		APIVersion:    properties.ApiVersion,
		DriverVersion: properties.DriverVersion,
		Features:      featureSet(features),
		Extensions:    extensions,
		QueueFamilies: queueFamilies(pd),
		Limits: driver.Limits{
			MaxPushConstantsSize:   properties.Limits.MaxPushConstantsSize,
			MaxImageDimension2D:    properties.Limits.MaxImageDimension2D,
			NonCoherentAtomSize:    uint64(properties.Limits.NonCoherentAtomSize),
			BufferImageGranularity: uint64(properties.Limits.BufferImageGranularity),
			FramebufferSamples:     maxSamples(properties.Limits.FramebufferColorSampleCounts, properties.Limits.FramebufferDepthSampleCounts),
		},
	}

	core.LogDebug("Device '%s' (%s), driver %s, API %s",
		info.Name, info.Type, versionString(info.DriverVersion), versionString(info.APIVersion))
	logHeaps(pd)
	return info, nil
}

// featureSet reads the optional features. Ray tracing is never reported, the
// bindings do not load the NV entry points.
func featureSet(f vk.PhysicalDeviceFeatures) driver.FeatureSet {
	var out driver.FeatureSet
	set := func(b vk.Bool32, bit driver.FeatureSet) {
		if b == vk.True {
			out |= bit
		}
	}
	set(f.SamplerAnisotropy, driver.FeatureSamplerAnisotropy)
	set(f.FillModeNonSolid, driver.FeatureFillModeNonSolid)
	set(f.WideLines, driver.FeatureWideLines)
	set(f.GeometryShader, driver.FeatureGeometryShader)
	set(f.TessellationShader, driver.FeatureTessellationShader)
	set(f.MultiDrawIndirect, driver.FeatureMultiDrawIndirect)
	set(f.ShaderInt64, driver.FeatureShaderInt64)
	set(f.SampleRateShading, driver.FeatureSampleRateShading)
	set(f.DepthClamp, driver.FeatureDepthClamp)
	set(f.IndependentBlend, driver.FeatureIndependentBlend)
	return out
}

func toFeatures(s driver.FeatureSet) vk.PhysicalDeviceFeatures {
	b := func(bit driver.FeatureSet) vk.Bool32 {
		if s&bit != 0 {
			return vk.True
		}
		return vk.False
	}
	return vk.PhysicalDeviceFeatures{
		SamplerAnisotropy:  b(driver.FeatureSamplerAnisotropy),
		FillModeNonSolid:   b(driver.FeatureFillModeNonSolid),
		WideLines:          b(driver.FeatureWideLines),
		GeometryShader:     b(driver.FeatureGeometryShader),
		TessellationShader: b(driver.FeatureTessellationShader),
		MultiDrawIndirect:  b(driver.FeatureMultiDrawIndirect),
		ShaderInt64:        b(driver.FeatureShaderInt64),
		SampleRateShading:  b(driver.FeatureSampleRateShading),
		DepthClamp:         b(driver.FeatureDepthClamp),
		IndependentBlend:   b(driver.FeatureIndependentBlend),
	}
}

func deviceExtensions(pd vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := checkCall("vkEnumerateDeviceExtensionProperties", vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	available := make([]vk.ExtensionProperties, count)
	if err := checkCall("vkEnumerateDeviceExtensionProperties", vk.EnumerateDeviceExtensionProperties(pd, "", &count, available)); err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := range available[:count] {
		available[i].Deref()
		out = append(out, cString(available[i].ExtensionName[:]))
	}
	return out, nil
}

func queueFamilies(pd vk.PhysicalDevice) []driver.QueueFamily {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)

	out := make([]driver.QueueFamily, count)
	for i := range families[:count] {
		families[i].Deref()
		out[i] = driver.QueueFamily{
			Flags: fromQueueFlags(families[i].QueueFlags),
			Count: families[i].QueueCount,
		}
	}
	return out
}

func memoryProperties(pd vk.PhysicalDevice) driver.MemoryProperties {
	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memory)
	memory.Deref()

	var out driver.MemoryProperties
	for i := 0; i < int(memory.MemoryTypeCount); i++ {
		t := memory.MemoryTypes[i]
		t.Deref()
		out.Types = append(out.Types, driver.MemoryType{
			Flags:     fromMemoryProperties(t.PropertyFlags),
			HeapIndex: t.HeapIndex,
		})
	}
	for i := 0; i < int(memory.MemoryHeapCount); i++ {
		h := memory.MemoryHeaps[i]
		h.Deref()
		out.Heaps = append(out.Heaps, driver.MemoryHeap{
			Size:        uint64(h.Size),
			DeviceLocal: vk.MemoryHeapFlagBits(h.Flags)&vk.MemoryHeapDeviceLocalBit != 0,
		})
	}
	return out
}

func logHeaps(pd vk.PhysicalDevice) {
	for _, h := range memoryProperties(pd).Heaps {
		gib := float64(h.Size) / 1024.0 / 1024.0 / 1024.0
		if h.DeviceLocal {
			core.LogDebug("Local GPU memory: %.2f GiB", gib)
		} else {
			core.LogDebug("Shared System memory: %.2f GiB", gib)
		}
	}
}
