package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/tKwbr999/supabase-toolbox/core"
)

// DefaultCallTimeout bounds each export call when no timeout is configured
const DefaultCallTimeout = 5 * time.Second

// Invoker calls a bound health module and decodes its payload
type Invoker struct {
	// CallTimeout bounds each export call. A call that runs out of time
	// closes the guest, so the instance is unusable afterwards. Cancellation
	// of the caller's context does not reach the guest.
	CallTimeout time.Duration
}

// Invoke runs the buffer-pointer export, then the health-check export, and
// decodes the bytes they describe. It is never retried.
func (v Invoker) Invoke(ctx context.Context, inst *Instance, binding ExportBinding) (core.HealthStatus, error) {
	if inst == nil || inst.Module == nil || !binding.Complete() {
		return core.HealthStatus{}, fmt.Errorf("%w: export binding is incomplete", ErrCall)
	}

	offsetRaw, err := v.call(ctx, inst.Module, binding.BufferPointer)
	if err != nil {
		return core.HealthStatus{}, err
	}
	lengthRaw, err := v.call(ctx, inst.Module, binding.HealthCheck)
	if err != nil {
		return core.HealthStatus{}, err
	}

	length := api.DecodeI32(lengthRaw)
	if length <= 0 {
		return core.HealthStatus{}, fmt.Errorf("%w: %s returned length %d", ErrHealthCheck, binding.HealthCheck, length)
	}
	offset := api.DecodeU32(offsetRaw)

	data, err := readMemory(inst.Module, offset, uint32(length))
	if err != nil {
		return core.HealthStatus{}, err
	}

	if !utf8.Valid(data) {
		return core.HealthStatus{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}
	var status core.HealthStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return core.HealthStatus{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return status, nil
}

func (v Invoker) call(ctx context.Context, mod api.Module, name string) (uint64, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("%w: export %q not found", ErrCall, name)
	}

	timeout := v.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	// The runtime closes the guest when the call context ends, so only the
	// timeout may end it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	results, err := fn.Call(callCtx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrCall, name, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: %s returned no value", ErrCall, name)
	}
	return results[0], nil
}

// readMemory copies [offset, offset+length) out of the exported memory
func readMemory(mod api.Module, offset, length uint32) ([]byte, error) {
	mem := mod.ExportedMemory(MemoryExport)
	if mem == nil {
		return nil, fmt.Errorf("%w: module has no %q export", ErrMemoryAccess, MemoryExport)
	}

	end := uint64(offset) + uint64(length)
	if end > uint64(mem.Size()) {
		return nil, fmt.Errorf("%w: range [%d, %d) exceeds memory size %d", ErrMemoryAccess, offset, end, mem.Size())
	}

	view, ok := mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("%w: range [%d, %d)", ErrMemoryAccess, offset, end)
	}
	data := make([]byte, len(view))
	copy(data, view)
	return data, nil
}
