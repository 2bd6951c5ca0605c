package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tKwbr999/supabase-toolbox/interp/wasm/wasmtest"
)

func TestFunctionExports(t *testing.T) {
	m := wasmtest.New()
	m.Memory(1)
	f := m.Func(nil, wasmtest.I32(1), wasmtest.I32Const(1))
	m.ExportFunc("zeta", f)
	m.ExportMemory("memory")
	m.ExportFunc("alpha", f)

	names, err := functionExports(m.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, names)
}

func TestFunctionExports_NoExportSection(t *testing.T) {
	m := wasmtest.New()
	m.Memory(1)

	names, err := functionExports(m.Bytes())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFunctionExports_Malformed(t *testing.T) {
	valid := wasmtest.HealthModule{Payload: []byte(testPayload)}.Bytes()

	tests := []struct {
		name  string
		bytes []byte
	}{
		{"not wasm", []byte("not a wasm module")},
		{"missing section size", valid[:9]},
		{"section size past end", append(append([]byte{}, valid[:8]...), 0x07, 0x7f)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := functionExports(tt.bytes)
			assert.Error(t, err)
		})
	}
}
