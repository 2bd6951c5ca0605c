// Package wasmtest assembles small binary WebAssembly modules for tests.
package wasmtest

import (
	"github.com/tetratelabs/wazero/api"
)

// Opcodes used by the body helpers
const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opDrop        = 0x1a
	opI32Const    = 0x41
	opI64Const    = 0x42
	blockVoid     = 0x40
)

// Section ids in the order they must appear
const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionStart    = 8
	sectionCode     = 10
	sectionData     = 11
)

const (
	kindFunc   = 0x00
	kindMemory = 0x02
)

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Module is a module under construction. Declare every import before the
// first Func: function indices are assigned as they are added.
type Module struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	memory  *uint32
	exports []export
	data    []segment
	start   *uint32
}

// New returns an empty module
func New() *Module {
	return &Module{}
}

func (m *Module) addType(params, results []api.ValueType) uint32 {
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc declares a function import and returns its function index
func (m *Module) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	m.imports = append(m.imports, importFunc{module: module, name: name, typeIdx: m.addType(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function with no locals. body is the instruction sequence
// without the final end opcode.
func (m *Module) Func(params, results []api.ValueType, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{typeIdx: m.addType(params, results), body: Concat(body...)})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory defines the single linear memory with a minimum size in pages
func (m *Module) Memory(minPages uint32) *Module {
	m.memory = &minPages
	return m
}

// ExportFunc exports a function index under name
func (m *Module) ExportFunc(name string, idx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
	return m
}

// ExportMemory exports the linear memory under name
func (m *Module) ExportMemory(name string) *Module {
	m.exports = append(m.exports, export{name: name, kind: kindMemory})
	return m
}

// Data places bytes at offset when the module is instantiated
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, segment{offset: offset, data: b})
	return m
}

// Start sets the function run by the start section
func (m *Module) Start(idx uint32) *Module {
	m.start = &idx
	return m
}

// Bytes encodes the module in the binary format
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var body []byte
		body = append(body, uleb(uint64(len(m.types)))...)
		for _, t := range m.types {
			body = append(body, 0x60)
			body = append(body, valueTypes(t.params)...)
			body = append(body, valueTypes(t.results)...)
		}
		out = appendSection(out, sectionType, body)
	}

	if len(m.imports) > 0 {
		var body []byte
		body = append(body, uleb(uint64(len(m.imports)))...)
		for _, imp := range m.imports {
			body = append(body, name(imp.module)...)
			body = append(body, name(imp.name)...)
			body = append(body, kindFunc)
			body = append(body, uleb(uint64(imp.typeIdx))...)
		}
		out = appendSection(out, sectionImport, body)
	}

	if len(m.funcs) > 0 {
		var body []byte
		body = append(body, uleb(uint64(len(m.funcs)))...)
		for _, f := range m.funcs {
			body = append(body, uleb(uint64(f.typeIdx))...)
		}
		out = appendSection(out, sectionFunction, body)
	}

	if m.memory != nil {
		body := []byte{0x01, 0x00}
		body = append(body, uleb(uint64(*m.memory))...)
		out = appendSection(out, sectionMemory, body)
	}

	if len(m.exports) > 0 {
		var body []byte
		body = append(body, uleb(uint64(len(m.exports)))...)
		for _, e := range m.exports {
			body = append(body, name(e.name)...)
			body = append(body, e.kind)
			body = append(body, uleb(uint64(e.idx))...)
		}
		out = appendSection(out, sectionExport, body)
	}

	if m.start != nil {
		out = appendSection(out, sectionStart, uleb(uint64(*m.start)))
	}

	if len(m.funcs) > 0 {
		var body []byte
		body = append(body, uleb(uint64(len(m.funcs)))...)
		for _, f := range m.funcs {
			code := append([]byte{0x00}, f.body...) // no locals
			code = append(code, opEnd)
			body = append(body, uleb(uint64(len(code)))...)
			body = append(body, code...)
		}
		out = appendSection(out, sectionCode, body)
	}

	if len(m.data) > 0 {
		var body []byte
		body = append(body, uleb(uint64(len(m.data)))...)
		for _, d := range m.data {
			body = append(body, 0x00) // active, memory 0
			body = append(body, I32Const(int32(d.offset))...)
			body = append(body, opEnd)
			body = append(body, uleb(uint64(len(d.data)))...)
			body = append(body, d.data...)
		}
		out = appendSection(out, sectionData, body)
	}

	return out
}

// I32Const pushes v
func I32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

// I64Const pushes v
func I64Const(v int64) []byte {
	return append([]byte{opI64Const}, sleb(v)...)
}

// Call calls the function at idx
func Call(idx uint32) []byte {
	return append([]byte{opCall}, uleb(uint64(idx))...)
}

// Drop discards the top of the stack
func Drop() []byte {
	return []byte{opDrop}
}

// Unreachable traps
func Unreachable() []byte {
	return []byte{opUnreachable}
}

// LoopForever never returns. It is valid in a function of any result type.
func LoopForever() []byte {
	return []byte{opLoop, blockVoid, opBr, 0x00, opEnd, opUnreachable}
}

// Concat joins instruction sequences
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// I32 is a convenience for signatures
func I32(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}

func appendSection(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func valueTypes(types []api.ValueType) []byte {
	out := uleb(uint64(len(types)))
	return append(out, types...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
