// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package vadpcm

import (
	"fmt"

	"github.com/icza/bitio"
)

// HuffContext describes the prefix code of one nibble position class:
// per symbol in [0,16), a code length packed as two 4-bit values per
// byte (0xF marks an unused symbol) and the MSB-aligned code value.
// Context 0 covers nibble 0 of a frame, context 1 nibble 1, and
// context 2 the remaining sixteen residual nibbles.
type HuffContext struct {
	Lengths [8]uint8  // 4-bit code lengths, two per byte, high nibble first
	Values  [16]uint8 // code value per symbol, MSB-aligned within its length
}

// Length returns the code length of symbol j, or 0xF if unused.
func (c *HuffContext) Length(j int) int {
	return int(c.Lengths[j/2]>>(4*(^j&1))) & 0xF
}

// SetLength stores the code length of symbol j.
func (c *HuffContext) SetLength(j, length int) {
	shift := 4 * (^j & 1)
	c.Lengths[j/2] = c.Lengths[j/2]&^(0xF<<shift) | uint8(length)<<shift
}

// HuffTable is the 256-entry decode table of one context: indexing by
// an 8-bit lookahead yields symbol<<4 | length.
type HuffTable struct {
	Codes [256]uint8
}

// BuildTables expands the three contexts into their decode tables. It
// fails if any 8-bit prefix is left uncovered, which would mean the
// context does not describe a complete prefix code.
func BuildTables(ctx *[3]HuffContext) (*[3]HuffTable, error) {
	tbl := new([3]HuffTable)
	for i := 0; i < 3; i++ {
		for j := 0; j < 16; j++ {
			length := ctx[i].Length(j)
			if length == 0xF {
				continue
			}
			if length > 8 {
				return nil, fmt.Errorf("vadpcm: huffman code too long: ctx %d symbol %d: %d", i, j, length)
			}
			if ctx[i].Values[j]>>length != 0 {
				return nil, fmt.Errorf("vadpcm: huffman code wider than its length: ctx %d symbol %d", i, j)
			}

			shift := 8 - length
			code := int(ctx[i].Values[j]) << shift
			value := uint8(j<<4) | uint8(length)
			for k := 0; k < 1<<shift; k++ {
				if tbl[i].Codes[code+k] != 0 {
					return nil, fmt.Errorf("vadpcm: huffman prefix collision: ctx %d symbol %d", i, j)
				}
				tbl[i].Codes[code+k] = value
			}
		}

		for j := 0; j < 256; j++ {
			if tbl[i].Codes[j] == 0 {
				return nil, fmt.Errorf("vadpcm: huffman table incomplete: ctx %d prefix %#02x", i, j)
			}
		}
	}
	return tbl, nil
}

// HuffDecoder expands a Huffman-compressed nibble stream back into
// 9-byte VADPCM frames. It keeps a 64-bit register refilled from
// big-endian 32-bit words of the source, peeking 8 bits per nibble and
// consuming the matched code length.
type HuffDecoder struct {
	tbl    *[3]HuffTable
	src    []byte
	pos    int    // next source byte to refill from
	buffer uint64 // bit register
	bits   int    // valid bits in the register
	bitpos int    // absolute bit position in the stream
}

// NewHuffDecoder starts decoding src, whose first byte corresponds to
// the byte containing absolute bit position bitpos. Source bytes past
// the end of src read as zero; the encoder pads streams so that a valid
// decode never depends on them.
func NewHuffDecoder(tbl *[3]HuffTable, src []byte, bitpos int) *HuffDecoder {
	d := &HuffDecoder{tbl: tbl, src: src, bitpos: bitpos}
	if bitpos&7 != 0 {
		d.buffer = uint64(d.next())
		d.bits = 8 - (bitpos & 7)
	}
	return d
}

func (d *HuffDecoder) next() byte {
	if d.pos >= len(d.src) {
		return 0
	}
	b := d.src[d.pos]
	d.pos++
	return b
}

func (d *HuffDecoder) nibble(tbl *HuffTable) uint8 {
	for d.bits < 32 {
		word := uint32(d.next())<<24 | uint32(d.next())<<16 | uint32(d.next())<<8 | uint32(d.next())
		d.buffer = d.buffer<<32 | uint64(word)
		d.bits += 32
	}

	code := tbl.Codes[(d.buffer>>(d.bits-8))&0xFF]
	length := int(code & 0xF)
	d.bits -= length
	d.bitpos += length
	return code >> 4
}

// BitPos returns the absolute bit position reached so far.
func (d *HuffDecoder) BitPos() int { return d.bitpos }

// Decompress expands frames into dst, which must be a multiple of the
// 9-byte frame size. Two decoded nibbles pack into each output byte,
// high nibble first, restoring the exact frame layout the predictive
// decoder expects.
func (d *HuffDecoder) Decompress(dst []byte) {
	if len(dst)%FrameBytes != 0 {
		panic(fmt.Sprintf("vadpcm: huffman decompress length not a frame multiple: %d", len(dst)))
	}
	for i := 0; i < len(dst); i += FrameBytes {
		tbl := 0
		for j := 0; j < FrameBytes; j++ {
			hi := d.nibble(&d.tbl[tbl])
			if j == 0 {
				tbl++
			}
			lo := d.nibble(&d.tbl[tbl])
			if j == 0 {
				tbl++
			}
			dst[i+j] = hi<<4 | lo
		}
	}
}

// HuffEncode writes the nibble stream of the given 9-byte frames with
// the three context codes. It is the inverse of Decompress and exists
// for the asset writers and the round-trip tests; w accumulates bits
// MSB-first. The caller is responsible for any final padding.
func HuffEncode(w *bitio.Writer, ctx *[3]HuffContext, frames []byte) error {
	if len(frames)%FrameBytes != 0 {
		return fmt.Errorf("vadpcm: huffman encode length not a frame multiple: %d", len(frames))
	}
	for i := 0; i < len(frames); i += FrameBytes {
		c := 0
		for j := 0; j < FrameBytes; j++ {
			hi := int(frames[i+j] >> 4)
			lo := int(frames[i+j] & 0xF)
			if err := huffEncodeNibble(w, &ctx[c], hi); err != nil {
				return err
			}
			if j == 0 {
				c++
			}
			if err := huffEncodeNibble(w, &ctx[c], lo); err != nil {
				return err
			}
			if j == 0 {
				c++
			}
		}
	}
	return nil
}

func huffEncodeNibble(w *bitio.Writer, ctx *HuffContext, sym int) error {
	length := ctx.Length(sym)
	if length == 0xF {
		return fmt.Errorf("vadpcm: symbol %d has no code", sym)
	}
	if length == 0 {
		return nil
	}
	return w.WriteBits(uint64(ctx.Values[sym]), uint8(length))
}

// HuffPad flushes the final partial byte with zero bits. The decoder
// tolerates reading past the written bytes, so no further padding is
// required.
func HuffPad(w *bitio.Writer) error {
	return w.Close()
}
