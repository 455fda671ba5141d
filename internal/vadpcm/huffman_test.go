// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package vadpcm

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatContexts assigns every symbol a 4-bit code equal to itself, in
// all three contexts.
func flatContexts() *[3]HuffContext {
	var ctx [3]HuffContext
	for i := range ctx {
		for j := 0; j < 16; j++ {
			ctx[i].SetLength(j, 4)
			ctx[i].Values[j] = uint8(j)
		}
	}
	return &ctx
}

// skewContexts builds a complete canonical code with uneven lengths:
// symbol 0 gets a 1-bit code, symbol 15 a 4-bit code, and symbols
// 1..14 5-bit codes.
func skewContexts() *[3]HuffContext {
	var ctx [3]HuffContext
	for i := range ctx {
		ctx[i].SetLength(0, 1)
		ctx[i].Values[0] = 0
		ctx[i].SetLength(15, 4)
		ctx[i].Values[15] = 0x8
		for j := 1; j < 15; j++ {
			ctx[i].SetLength(j, 5)
			ctx[i].Values[j] = 0x12 + uint8(j-1)
		}
	}
	return &ctx
}

func TestBuildTables_Coverage(t *testing.T) {
	for _, ctx := range []*[3]HuffContext{flatContexts(), skewContexts()} {
		tbl, err := BuildTables(ctx)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			for prefix := 0; prefix < 256; prefix++ {
				code := tbl[i].Codes[prefix]
				sym := int(code >> 4)
				length := int(code & 0xF)
				assert.Equal(t, ctx[i].Length(sym), length,
					"ctx %d prefix %#02x: table length must match the symbol's stored length", i, prefix)
			}
		}
	}
}

func TestBuildTables_Incomplete(t *testing.T) {
	var ctx [3]HuffContext
	for i := range ctx {
		for j := 0; j < 16; j++ {
			ctx[i].SetLength(j, 0xF) // all unused
		}
	}
	_, err := BuildTables(&ctx)
	assert.Error(t, err)
}

// referenceDecode decodes nibbles one bit at a time by scanning the
// context's code list, the slow but obviously correct way.
func referenceDecode(t *testing.T, ctx *[3]HuffContext, src []byte, frames int) []byte {
	t.Helper()
	bitpos := 0
	readBit := func() int {
		b := src[bitpos/8]
		bit := int(b>>(7-bitpos%8)) & 1
		bitpos++
		return bit
	}

	nibble := func(c *HuffContext) uint8 {
		code, codeLen := 0, 0
		for {
			code = code<<1 | readBit()
			codeLen++
			require.LessOrEqual(t, codeLen, 8, "no code matched")
			for j := 0; j < 16; j++ {
				if c.Length(j) == codeLen && int(c.Values[j]) == code {
					return uint8(j)
				}
			}
		}
	}

	out := make([]byte, 0, frames*FrameBytes)
	for i := 0; i < frames; i++ {
		c := 0
		for j := 0; j < FrameBytes; j++ {
			hi := nibble(&ctx[c])
			if j == 0 {
				c++
			}
			lo := nibble(&ctx[c])
			if j == 0 {
				c++
			}
			out = append(out, hi<<4|lo)
		}
	}
	return out
}

func TestHuffman_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for name, ctx := range map[string]*[3]HuffContext{
		"flat": flatContexts(),
		"skew": skewContexts(),
	} {
		t.Run(name, func(t *testing.T) {
			const frames = 24
			plain := make([]byte, frames*FrameBytes)
			rng.Read(plain)

			var buf bytes.Buffer
			bw := bitio.NewWriter(&buf)
			require.NoError(t, HuffEncode(bw, ctx, plain))
			require.NoError(t, HuffPad(bw))

			// Pad so register refills never run out of source bytes.
			src := append(buf.Bytes(), make([]byte, 8)...)

			tbl, err := BuildTables(ctx)
			require.NoError(t, err)

			got := make([]byte, frames*FrameBytes)
			dec := NewHuffDecoder(tbl, src, 0)
			dec.Decompress(got)
			assert.Equal(t, plain, got)

			ref := referenceDecode(t, ctx, src, frames)
			assert.Equal(t, plain, ref, "table decode must match bit-at-a-time decode")
		})
	}
}

func TestHuffman_ResumeAtBitPos(t *testing.T) {
	ctx := skewContexts()
	tbl, err := BuildTables(ctx)
	require.NoError(t, err)

	const frames = 16
	plain := make([]byte, frames*FrameBytes)
	rand.New(rand.NewSource(9)).Read(plain)

	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)
	require.NoError(t, HuffEncode(bw, ctx, plain))
	require.NoError(t, HuffPad(bw))
	src := append(buf.Bytes(), make([]byte, 8)...)

	// Decode the first half, remember the bit position, then resume
	// the second half from a fresh decoder as a seek would.
	half := frames / 2 * FrameBytes
	first := make([]byte, half)
	dec := NewHuffDecoder(tbl, src, 0)
	dec.Decompress(first)
	assert.Equal(t, plain[:half], first)

	bitpos := dec.BitPos()
	second := make([]byte, half)
	resumed := NewHuffDecoder(tbl, src[bitpos/8:], bitpos)
	resumed.Decompress(second)
	assert.Equal(t, plain[half:], second)
}
