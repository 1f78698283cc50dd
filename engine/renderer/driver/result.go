package driver

import "fmt"

// Result mirrors the explicit API's status codes. Negative values are
// errors; Result implements error so device failures can be wrapped and
// matched with errors.Is / errors.As while keeping the native code.
type Result int32

const (
	Success                   Result = 0
	NotReady                  Result = 1
	Timeout                   Result = 2
	Incomplete                Result = 5
	Suboptimal                Result = 1000001003
	ErrorOutOfHostMemory      Result = -1
	ErrorOutOfDeviceMemory    Result = -2
	ErrorInitializationFailed Result = -3
	ErrorDeviceLost           Result = -4
	ErrorMemoryMapFailed      Result = -5
	ErrorLayerNotPresent      Result = -6
	ErrorExtensionNotPresent  Result = -7
	ErrorFeatureNotPresent    Result = -8
	ErrorIncompatibleDriver   Result = -9
	ErrorTooManyObjects       Result = -10
	ErrorFormatNotSupported   Result = -11
	ErrorFragmentedPool       Result = -12
	ErrorUnknown              Result = -13
	ErrorSurfaceLost          Result = -1000000000
	ErrorNativeWindowInUse    Result = -1000000001
	ErrorOutOfDate            Result = -1000001004
	ErrorValidationFailed     Result = -1000011001
)

var resultNames = map[Result][2]string{
	Success:                   {"SUCCESS", "Command successfully completed"},
	NotReady:                  {"NOT_READY", "A fence or query has not yet completed"},
	Timeout:                   {"TIMEOUT", "A wait operation has not completed in the specified time"},
	Incomplete:                {"INCOMPLETE", "A return array was too small for the result"},
	Suboptimal:                {"SUBOPTIMAL", "A swapchain no longer matches the surface properties exactly, but can still be used to present to the surface successfully."},
	ErrorOutOfHostMemory:      {"ERROR_OUT_OF_HOST_MEMORY", "A host memory allocation has failed."},
	ErrorOutOfDeviceMemory:    {"ERROR_OUT_OF_DEVICE_MEMORY", "A device memory allocation has failed."},
	ErrorInitializationFailed: {"ERROR_INITIALIZATION_FAILED", "Initialization of an object could not be completed for implementation-specific reasons."},
	ErrorDeviceLost:           {"ERROR_DEVICE_LOST", "The logical or physical device has been lost."},
	ErrorMemoryMapFailed:      {"ERROR_MEMORY_MAP_FAILED", "Mapping of a memory object has failed."},
	ErrorLayerNotPresent:      {"ERROR_LAYER_NOT_PRESENT", "A requested layer is not present or could not be loaded."},
	ErrorExtensionNotPresent:  {"ERROR_EXTENSION_NOT_PRESENT", "A requested extension is not supported."},
	ErrorFeatureNotPresent:    {"ERROR_FEATURE_NOT_PRESENT", "A requested feature is not supported."},
	ErrorIncompatibleDriver:   {"ERROR_INCOMPATIBLE_DRIVER", "The requested version of the API is not supported by the driver."},
	ErrorTooManyObjects:       {"ERROR_TOO_MANY_OBJECTS", "Too many objects of the type have already been created."},
	ErrorFormatNotSupported:   {"ERROR_FORMAT_NOT_SUPPORTED", "A requested format is not supported on this device."},
	ErrorFragmentedPool:       {"ERROR_FRAGMENTED_POOL", "A pool allocation has failed due to fragmentation of the pool's memory."},
	ErrorUnknown:              {"ERROR_UNKNOWN", "An unknown error has occurred."},
	ErrorSurfaceLost:          {"ERROR_SURFACE_LOST", "A surface is no longer available."},
	ErrorNativeWindowInUse:    {"ERROR_NATIVE_WINDOW_IN_USE", "The requested window is already in use."},
	ErrorOutOfDate:            {"ERROR_OUT_OF_DATE", "A surface has changed in such a way that it is no longer compatible with the swapchain."},
	ErrorValidationFailed:     {"ERROR_VALIDATION_FAILED", "A command failed because invalid usage was detected."},
}

func (r Result) String() string {
	if n, ok := resultNames[r]; ok {
		return n[0]
	}
	return fmt.Sprintf("RESULT(%d)", int32(r))
}

// Describe returns the extended description of the code.
func (r Result) Describe() string {
	if n, ok := resultNames[r]; ok {
		return n[0] + " " + n[1]
	}
	return r.String()
}

func (r Result) Error() string {
	return r.String()
}

// IsSuccess reports whether r is a non-error status. Suboptimal counts as
// success, as the swapchain stays usable.
func (r Result) IsSuccess() bool {
	return r >= 0
}

// Check turns a status code into an error, nil for every success code.
func Check(r Result) error {
	if r.IsSuccess() {
		return nil
	}
	return r
}
