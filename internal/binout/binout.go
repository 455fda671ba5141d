// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package binout writes and reads the big-endian binary layout used by
// the asset formats. The writer supports named placeholders: a field
// whose value is not yet known is emitted as zero and back-patched when
// Set is called with the same name, so serializers never need a second
// pass.
package binout

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Writer emits big-endian fields to an underlying seekable stream.
type Writer struct {
	f            io.WriteSeeker
	placeholders map[string]*placeholder
	err          error
}

type placeholder struct {
	offset  int64 // resolved value; -1 while unknown
	pending []pendingRef
}

type pendingRef struct {
	pos  int64
	size int // 1, 2, 4 or 8 bytes
}

// NewWriter wraps a seekable stream.
func NewWriter(f io.WriteSeeker) *Writer {
	return &Writer{f: f, placeholders: make(map[string]*placeholder)}
}

// Err returns the first error encountered by any write.
func (w *Writer) Err() error { return w.err }

// Tell returns the current byte offset.
func (w *Writer) Tell() int64 {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil && w.err == nil {
		w.err = err
	}
	return pos
}

func (w *Writer) write(buf []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.f.Write(buf); err != nil {
		w.err = err
	}
}

// Write8 writes one byte.
func (w *Writer) Write8(v uint8) { w.write([]byte{v}) }

// Write16 writes a big-endian 16-bit value.
func (w *Writer) Write16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	w.write(buf[:])
}

// Write32 writes a big-endian 32-bit value.
func (w *Writer) Write32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.write(buf[:])
}

// Write64 writes a big-endian 64-bit value.
func (w *Writer) Write64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.write(buf[:])
}

// WriteFloat32 writes the IEEE-754 bits of v, big-endian.
func (w *Writer) WriteFloat32(v float32) { w.Write32(math.Float32bits(v)) }

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(b []byte) { w.write(b) }

// WriteString writes the string bytes followed by zero padding up to n.
func (w *Writer) WriteString(s string, n int) {
	if len(s) > n {
		s = s[:n]
	}
	w.write([]byte(s))
	w.Pad(n - len(s))
}

// Align pads with zero bytes up to the next multiple of align.
func (w *Writer) Align(align int) {
	pos := w.Tell()
	for pos%int64(align) != 0 {
		w.Write8(0)
		pos++
	}
}

// Pad writes size zero bytes.
func (w *Writer) Pad(size int) {
	for i := 0; i < size; i++ {
		w.Write8(0)
	}
}

func (w *Writer) named(name string) *placeholder {
	p, ok := w.placeholders[name]
	if !ok {
		p = &placeholder{offset: -1}
		w.placeholders[name] = p
	}
	return p
}

func (w *Writer) writeAt(pos int64, v uint64, size int) {
	if w.err != nil {
		return
	}
	cur := w.Tell()
	if _, err := w.f.Seek(pos, io.SeekStart); err != nil {
		w.err = err
		return
	}
	switch size {
	case 1:
		w.Write8(uint8(v))
	case 2:
		w.Write16(uint16(v))
	case 4:
		w.Write32(uint32(v))
	case 8:
		w.Write64(v)
	}
	if _, err := w.f.Seek(cur, io.SeekStart); err != nil && w.err == nil {
		w.err = err
	}
}

func (w *Writer) writePlaceholder(name string, size int) {
	p := w.named(name)
	if p.offset >= 0 {
		switch size {
		case 2:
			w.Write16(uint16(p.offset))
		case 4:
			w.Write32(uint32(p.offset))
		case 8:
			w.Write64(uint64(p.offset))
		}
		return
	}
	p.pending = append(p.pending, pendingRef{pos: w.Tell(), size: size})
	w.Pad(size)
}

// WritePlaceholder16 emits a 16-bit field whose value is the offset
// later bound to name by Set.
func (w *Writer) WritePlaceholder16(name string, args ...any) {
	w.writePlaceholder(fmt.Sprintf(name, args...), 2)
}

// WritePlaceholder32 emits a 32-bit field whose value is the offset
// later bound to name by Set.
func (w *Writer) WritePlaceholder32(name string, args ...any) {
	w.writePlaceholder(fmt.Sprintf(name, args...), 4)
}

// Set binds name to the current offset and back-patches every pending
// reference to it.
func (w *Writer) Set(name string, args ...any) {
	w.SetOffset(w.Tell(), name, args...)
}

// SetOffset binds name to an explicit offset and back-patches every
// pending reference to it.
func (w *Writer) SetOffset(offset int64, name string, args ...any) {
	p := w.named(fmt.Sprintf(name, args...))
	p.offset = offset
	for _, ref := range p.pending {
		w.writeAt(ref.pos, uint64(offset), ref.size)
	}
	p.pending = nil
}

// Reader decodes big-endian fields from a stream.
type Reader struct {
	f   io.Reader
	pos int64
	err error
}

// NewReader wraps a stream.
func NewReader(f io.Reader) *Reader { return &Reader{f: f} }

// Err returns the first error encountered by any read.
func (r *Reader) Err() error { return r.err }

// Tell returns the number of bytes consumed so far.
func (r *Reader) Tell() int64 { return r.pos }

func (r *Reader) read(buf []byte) {
	if r.err != nil {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	if _, err := io.ReadFull(r.f, buf); err != nil {
		r.err = err
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	r.pos += int64(len(buf))
}

// Read8 reads one byte.
func (r *Reader) Read8() uint8 {
	var buf [1]byte
	r.read(buf[:])
	return buf[0]
}

// Read16 reads a big-endian 16-bit value.
func (r *Reader) Read16() uint16 {
	var buf [2]byte
	r.read(buf[:])
	return binary.BigEndian.Uint16(buf[:])
}

// Read32 reads a big-endian 32-bit value.
func (r *Reader) Read32() uint32 {
	var buf [4]byte
	r.read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// Read64 reads a big-endian 64-bit value.
func (r *Reader) Read64() uint64 {
	var buf [8]byte
	r.read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// ReadFloat32 reads the IEEE-754 bits of a float32, big-endian.
func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.Read32()) }

// ReadBool reads one byte as a boolean.
func (r *Reader) ReadBool() bool { return r.Read8() != 0 }

// ReadBytes reads exactly len(b) bytes into b.
func (r *Reader) ReadBytes(b []byte) { r.read(b) }

// ReadString reads n bytes and trims the zero padding.
func (r *Reader) ReadString(n int) string {
	buf := make([]byte, n)
	r.read(buf)
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// Align skips bytes up to the next multiple of align.
func (r *Reader) Align(align int) {
	for r.pos%int64(align) != 0 {
		r.Read8()
	}
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) {
	for i := 0; i < n; i++ {
		r.Read8()
	}
}
