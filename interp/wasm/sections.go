package wasm

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	sectionExport = 7
	externFunc    = 0
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

var errTruncated = errors.New("truncated module")

// functionExports returns the names of exported functions in the order the
// export section declares them. wazero only exposes exports as a map.
func functionExports(b []byte) ([]string, error) {
	if !bytes.HasPrefix(b, wasmHeader) {
		return nil, fmt.Errorf("not a wasm binary module")
	}

	r := &byteReader{b: b, pos: len(wasmHeader)}
	for r.pos < len(r.b) {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.uleb()
		if err != nil {
			return nil, err
		}
		end := r.pos + int(size)
		if end > len(r.b) || end < r.pos {
			return nil, errTruncated
		}
		if id != sectionExport {
			r.pos = end
			continue
		}
		return readExports(&byteReader{b: r.b[:end], pos: r.pos})
	}
	return nil, nil
}

func readExports(r *byteReader) ([]string, error) {
	count, err := r.uleb()
	if err != nil {
		return nil, err
	}

	var names []string
	for i := uint64(0); i < count; i++ {
		n, err := r.uleb()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		if _, err := r.uleb(); err != nil {
			return nil, err
		}
		if kind == externFunc {
			names = append(names, string(name))
		}
	}
	return names, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errTruncated
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, errTruncated
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// uleb decodes an unsigned LEB128 value of at most 32 bits
func (r *byteReader) uleb() (uint64, error) {
	var v uint64
	for shift := uint(0); shift < 35; shift += 7 {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("malformed LEB128 at offset %d", r.pos)
}
