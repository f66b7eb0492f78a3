package backends

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device is the execution context handed to every component at construction.
// Components never infer placement from their own parameters.
type Device struct {
	Name    string
	Vendor  string
	Workers int // upper bound on chunks processed concurrently
	AVX2    bool
	AVX512  bool
}

// CPU describes the host processor. workers <= 0 selects one worker per logical core.
func CPU(workers int) Device {
	if workers <= 0 {
		workers = cpuid.CPU.LogicalCores
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Device{
		Name:    cpuid.CPU.BrandName,
		Vendor:  cpuid.CPU.VendorString,
		Workers: workers,
		AVX2:    cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:  cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// Sequential is a single worker CPU device, mostly useful for reproducible tests.
func Sequential() Device {
	return CPU(1)
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, workers=%d, avx2=%t, avx512=%t)", d.Name, d.Vendor, d.Workers, d.AVX2, d.AVX512)
}
