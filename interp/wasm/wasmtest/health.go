package wasmtest

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// Scratch addresses used by modules that call their WASI imports.
// NWrittenAddr receives the byte count fd_write reports.
const (
	IovecAddr    = 16
	NWrittenAddr = 32
	RandomAddr   = 64
	RandomLen    = 16
)

// HealthModule describes a module laid out the way health-check modules are:
// a JSON payload in a data segment, an export returning its offset and an
// export returning its length.
type HealthModule struct {
	Payload []byte
	// Offset of the payload. Zero places it at 1024.
	Offset uint32
	// Length overrides the value returned by the health export.
	Length *int32

	BufferExport string
	HealthExport string
	MemoryExport string
	// NoMemoryExport leaves the memory unexported.
	NoMemoryExport bool

	// WASI makes the health export write the payload to stdout with
	// wasi_snapshot_preview1.fd_write and read random_get first.
	WASI bool
	// HealthBody replaces the health export body entirely.
	HealthBody []byte
}

// Bytes encodes the module
func (h HealthModule) Bytes() []byte {
	offset := h.Offset
	if offset == 0 {
		offset = 1024
	}
	length := int32(len(h.Payload))
	if h.Length != nil {
		length = *h.Length
	}
	bufferExport := orDefault(h.BufferExport, "get_buffer_pointer")
	healthExport := orDefault(h.HealthExport, "health_check")
	memoryExport := orDefault(h.MemoryExport, "memory")

	m := New()

	var fdWrite, randomGet uint32
	if h.WASI {
		fdWrite = m.ImportFunc("wasi_snapshot_preview1", "fd_write", I32(4), I32(1))
		randomGet = m.ImportFunc("wasi_snapshot_preview1", "random_get", I32(2), I32(1))
	}

	m.Memory(1)

	buffer := m.Func(nil, I32(1), I32Const(int32(offset)))

	body := h.HealthBody
	if body == nil {
		if h.WASI {
			body = Concat(
				I32Const(RandomAddr), I32Const(RandomLen), Call(randomGet), Drop(),
				I32Const(1), I32Const(IovecAddr), I32Const(1), I32Const(NWrittenAddr), Call(fdWrite), Drop(),
				I32Const(length),
			)
		} else {
			body = I32Const(length)
		}
	}
	health := m.Func(nil, I32(1), body)

	m.ExportFunc(bufferExport, buffer)
	m.ExportFunc(healthExport, health)
	if !h.NoMemoryExport {
		m.ExportMemory(memoryExport)
	}

	if len(h.Payload) > 0 {
		m.Data(offset, h.Payload)
	}
	if h.WASI {
		iov := make([]byte, 8)
		binary.LittleEndian.PutUint32(iov[0:], offset)
		binary.LittleEndian.PutUint32(iov[4:], uint32(len(h.Payload)))
		m.Data(IovecAddr, iov)
	}

	return m.Bytes()
}

// Int32 returns a pointer to v, for HealthModule.Length
func Int32(v int32) *int32 {
	return &v
}

// Results is a convenience for a single result of type t
func Results(t api.ValueType) []api.ValueType {
	return []api.ValueType{t}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
