package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tKwbr999/supabase-toolbox/interp/wasm/wasmtest"
	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
)

func TestExportRoleNames(t *testing.T) {
	tests := []struct {
		name   string
		buffer bool
		health bool
	}{
		{"get_buffer_pointer", true, false},
		{"GetBuffer", true, false},
		{"health_check", false, true},
		{"HealthCheck", false, true},
		{"check", false, true},
		{"runHealth", false, true},
		{"check_buffer", true, false},
		{"memory", false, false},
		{"_start", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.buffer, IsBufferPointer(tt.name))
			assert.Equal(t, tt.health, IsHealthCheck(tt.name))
		})
	}
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()

	load := func(t *testing.T, bytes []byte) *Instance {
		t.Helper()
		loader := newTestLoader(t)
		inst, err := loader.LoadBytes(ctx, t.Name(), bytes)
		require.NoError(t, err)
		t.Cleanup(func() { _ = inst.Close(ctx) })
		return inst
	}

	t.Run("conventional names", func(t *testing.T) {
		inst := load(t, wasmtest.HealthModule{Payload: []byte(testPayload)}.Bytes())

		binding := Discover(inst, nil)
		assert.Equal(t, ExportBinding{BufferPointer: "get_buffer_pointer", HealthCheck: "health_check"}, binding)
		assert.True(t, binding.Complete())
	})

	t.Run("varied names", func(t *testing.T) {
		inst := load(t, wasmtest.HealthModule{
			Payload:      []byte(testPayload),
			BufferExport: "GetBufferPtr",
			HealthExport: "RunCheck",
		}.Bytes())

		binding := Discover(inst, nil)
		assert.Equal(t, "GetBufferPtr", binding.BufferPointer)
		assert.Equal(t, "RunCheck", binding.HealthCheck)
	})

	t.Run("memory without matching names", func(t *testing.T) {
		inst := load(t, wasmtest.HealthModule{
			Payload:      []byte(testPayload),
			BufferExport: "offset",
			HealthExport: "length",
		}.Bytes())

		binding := Discover(inst, nil)
		assert.True(t, binding.Empty())
		assert.False(t, binding.Complete())
	})

	t.Run("no memory export", func(t *testing.T) {
		obs, logs := observer.New(zap.WarnLevel)
		inst := load(t, wasmtest.HealthModule{Payload: []byte(testPayload), NoMemoryExport: true}.Bytes())

		binding := Discover(inst, logging.FromZap(zap.New(obs)))
		assert.True(t, binding.Empty())
		assert.Equal(t, 1, logs.FilterMessage("module does not export linear memory").Len())
	})

	t.Run("memory under another name", func(t *testing.T) {
		inst := load(t, wasmtest.HealthModule{Payload: []byte(testPayload), MemoryExport: "mem"}.Bytes())
		assert.True(t, Discover(inst, nil).Empty())
	})

	t.Run("first match wins in declaration order", func(t *testing.T) {
		m := wasmtest.New()
		m.Memory(1).ExportMemory("memory")
		first := m.Func(nil, wasmtest.I32(1), wasmtest.I32Const(1))
		second := m.Func(nil, wasmtest.I32(1), wasmtest.I32Const(2))
		// declaration order deliberately differs from index and name order
		m.ExportFunc("z_buffer", second)
		m.ExportFunc("a_buffer", first)
		m.ExportFunc("z_health", second)
		m.ExportFunc("a_check", first)

		binding := Discover(load(t, m.Bytes()), nil)
		assert.Equal(t, ExportBinding{BufferPointer: "z_buffer", HealthCheck: "z_health"}, binding)
	})

	t.Run("earlier declared check export shadows a later one", func(t *testing.T) {
		m := wasmtest.New()
		m.Memory(1).ExportMemory("memory")
		bounds := m.Func(nil, wasmtest.I32(1), wasmtest.I32Const(0))
		health := m.Func(nil, wasmtest.I32(1), wasmtest.I32Const(1))
		m.ExportFunc("health_check", health)
		m.ExportFunc("check_bounds", bounds)
		m.ExportFunc("get_buffer", bounds)

		binding := Discover(load(t, m.Bytes()), nil)
		assert.Equal(t, ExportBinding{BufferPointer: "get_buffer", HealthCheck: "health_check"}, binding)
	})

	t.Run("only one role", func(t *testing.T) {
		m := wasmtest.New()
		m.Memory(1).ExportMemory("memory")
		f := m.Func(nil, wasmtest.I32(1), wasmtest.I32Const(1))
		m.ExportFunc("health", f)

		binding := Discover(load(t, m.Bytes()), nil)
		assert.Equal(t, "", binding.BufferPointer)
		assert.Equal(t, "health", binding.HealthCheck)
		assert.False(t, binding.Complete())
		assert.False(t, binding.Empty())
	})

	t.Run("nil instance", func(t *testing.T) {
		assert.True(t, Discover(nil, nil).Empty())
	})
}
