package wasm

import (
	"sort"
	"strings"

	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
)

// MemoryExport is the export name a health module must give its linear memory.
const MemoryExport = "memory"

// ExportBinding maps the two roles a health module fills to export names.
// The zero value is the empty binding.
type ExportBinding struct {
	BufferPointer string
	HealthCheck   string
}

// Complete reports whether both roles are bound
func (b ExportBinding) Complete() bool {
	return b.BufferPointer != "" && b.HealthCheck != ""
}

// Empty reports whether neither role is bound
func (b ExportBinding) Empty() bool {
	return b.BufferPointer == "" && b.HealthCheck == ""
}

// IsBufferPointer reports whether an export name fits the buffer-pointer role
func IsBufferPointer(name string) bool {
	return strings.Contains(strings.ToLower(name), "buffer")
}

// IsHealthCheck reports whether an export name fits the health-check role.
// Buffer-pointer names never do.
func IsHealthCheck(name string) bool {
	if IsBufferPointer(name) {
		return false
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "health") || strings.Contains(lower, "check")
}

// Discover binds export roles by name. It never fails: a module without the
// memory export, or without matching names, yields a partial or empty binding.
func Discover(inst *Instance, logger *logging.Logger) ExportBinding {
	if logger == nil {
		logger = logging.NewNop()
	}
	if inst == nil || inst.Compiled == nil {
		return ExportBinding{}
	}

	if _, ok := inst.Compiled.ExportedMemories()[MemoryExport]; !ok {
		logger.Warn("module does not export linear memory", "module", inst.Name, "export", MemoryExport)
		return ExportBinding{}
	}

	var binding ExportBinding
	for _, name := range exportOrder(inst) {
		switch {
		case binding.BufferPointer == "" && IsBufferPointer(name):
			binding.BufferPointer = name
		case binding.HealthCheck == "" && IsHealthCheck(name):
			binding.HealthCheck = name
		}
	}

	if !binding.Complete() {
		logger.Warn("health exports not found",
			"module", inst.Name,
			"buffer_pointer", binding.BufferPointer,
			"health_check", binding.HealthCheck,
		)
	}
	return binding
}

// exportOrder lists function exports in the order the module declares them.
// Instances built without their bytes fall back to function index, then name.
func exportOrder(inst *Instance) []string {
	if inst.exportOrder != nil {
		return inst.exportOrder
	}

	defs := inst.Compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := defs[names[i]].Index(), defs[names[j]].Index()
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names
}
