// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/require"

	"github.com/kelindar/audio64/internal/asset"
	"github.com/kelindar/audio64/internal/vadpcm"
)

// beBuf accumulates big-endian fields, mirroring what the asset
// converter emits.
type beBuf struct {
	b []byte
}

func (b *beBuf) u8(v uint8)    { b.b = append(b.b, v) }
func (b *beBuf) u16(v uint16)  { b.b = binary.BigEndian.AppendUint16(b.b, v) }
func (b *beBuf) u32(v uint32)  { b.b = binary.BigEndian.AppendUint32(b.b, v) }
func (b *beBuf) u64(v uint64)  { b.b = binary.BigEndian.AppendUint64(b.b, v) }
func (b *beBuf) f32(v float32) { b.u32(math.Float32bits(v)) }
func (b *beBuf) raw(v []byte)  { b.b = append(b.b, v...) }

func (b *beBuf) str(s string, n int) {
	buf := make([]byte, n)
	copy(buf, s)
	b.raw(buf)
}

func (b *beBuf) i16s(v []int16) {
	for _, s := range v {
		b.u16(uint16(s))
	}
}

func writeFixture(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// wav64Raw builds a raw-PCM WAV64 file image from big-endian samples.
func wav64Raw(channels, bits, freq, loopLen int, samples []int16) []byte {
	var b beBuf
	b.raw([]byte("WV64"))
	b.u8(4) // version
	b.u8(FormatRaw)
	b.u8(uint8(channels))
	b.u8(uint8(bits))
	b.u32(uint32(freq))
	b.u32(uint32(len(samples) / channels))
	b.u32(uint32(loopLen))
	b.u32(28) // start offset
	b.u32(0)  // state size

	if bits == 16 {
		b.i16s(samples)
	} else {
		for _, s := range samples {
			b.u8(uint8(s))
		}
	}
	return b.b
}

// vadpcmFixture is a synthesized VADPCM stream plus its expected
// decoded output.
type vadpcmFixture struct {
	book    vadpcm.Codebook
	frames  []byte // plain 9-byte frames
	decoded []byte // little-endian PCM of the full stream
	states  []vadpcm.Vector // decoder state before each frame
}

// newVadpcmFixture synthesizes nframes of mono VADPCM with a small
// random-ish codebook and residuals, and precomputes the reference
// decode.
func newVadpcmFixture(t *testing.T, nframes int) *vadpcmFixture {
	t.Helper()
	fx := &vadpcmFixture{
		book: vadpcm.Codebook{
			Predictors: 2,
			Order:      2,
			Vectors:    make([]vadpcm.Vector, 4),
		},
	}
	// Mild predictors to keep values well inside the int16 range.
	fx.book.Vectors[1][0] = 0x0400
	fx.book.Vectors[3][0] = 0x0200
	fx.book.Vectors[3][1] = 0x0100

	fx.frames = make([]byte, nframes*vadpcm.FrameBytes)
	seed := uint32(12345)
	for i := range fx.frames {
		seed = seed*1103515245 + 12345
		fx.frames[i] = byte(seed >> 16)
	}
	for i := 0; i < nframes; i++ {
		// Scaling 0..5, predictor 0..1.
		fx.frames[i*vadpcm.FrameBytes] = byte(i%6)<<4 | byte(i%2)
	}

	// Reference decode, recording the state at each frame boundary.
	var state vadpcm.Vector
	fx.decoded = make([]byte, nframes*vadpcm.FrameSamples*2)
	fx.states = make([]vadpcm.Vector, nframes+1)
	for i := 0; i < nframes; i++ {
		fx.states[i] = state
		require.NoError(t, vadpcm.DecodeLE(&fx.book, &state,
			fx.decoded[i*vadpcm.FrameSamples*2:], fx.frames[i*vadpcm.FrameBytes:], 1))
	}
	fx.states[nframes] = state
	return fx
}

type vadpcmSkipFixture struct {
	offset int // sample offset
	bitpos int
	state  vadpcm.Vector
}

// wav64Vadpcm builds a mono VADPCM WAV64 file image. When huffman is
// set, the nibble stream is compressed with flat 4-bit codes (every
// nibble costs 4 bits, so bit positions are easy to predict) and skip
// points can be recorded at frame boundaries.
func wav64Vadpcm(t *testing.T, fx *vadpcmFixture, freq, loopLen int, huffman bool, skips []vadpcmSkipFixture) []byte {
	t.Helper()
	nframes := len(fx.frames) / vadpcm.FrameBytes
	length := nframes * vadpcm.FrameSamples

	codebookBytes := len(fx.book.Vectors) * 16
	skipBytes := len(skips) * vadpcmSkipSize
	startOffset := 28 + vadpcmHeaderSize + codebookBytes + skipBytes

	var flags uint8
	if huffman {
		flags |= vadpcmFlagHuffman
	}

	var b beBuf
	b.raw([]byte("WV64"))
	b.u8(4)
	b.u8(FormatVADPCM)
	b.u8(1)  // mono
	b.u8(16) // bits
	b.u32(uint32(freq))
	b.u32(uint32(length))
	b.u32(uint32(loopLen))
	b.u32(uint32(startOffset))
	b.u32(48) // per-voice state size

	// VADPCM extension header.
	b.u8(uint8(fx.book.Predictors))
	b.u8(uint8(fx.book.Order))
	b.u8(flags)
	b.u8(uint8(len(skips)))
	b.u32(0)                    // huffman table pointer, runtime only
	b.u32(uint32(codebookBytes)) // skip table offset from codebook base

	ctx := flatHuffContexts()
	for i := 0; i < 3; i++ {
		b.raw(ctx[i].Lengths[:])
		b.raw(ctx[i].Values[:])
	}
	b.u32(0) // padding

	for _, v := range fx.book.Vectors {
		b.i16s(v[:])
	}
	for _, sp := range skips {
		b.i16s(sp.state[:])
		b.i16s(make([]int16, 8)) // second channel state, unused in mono
		b.u32(uint32(sp.bitpos))
		b.u32(uint32(sp.offset))
	}

	if !huffman {
		b.raw(fx.frames)
	} else {
		var comp bytes.Buffer
		bw := bitio.NewWriter(&comp)
		require.NoError(t, vadpcm.HuffEncode(bw, ctx, fx.frames))
		require.NoError(t, vadpcm.HuffPad(bw))
		b.raw(comp.Bytes())
		b.raw(make([]byte, 8)) // refill slack for the bit register
	}
	return b.b
}

// flatHuffContexts gives every nibble a 4-bit code equal to itself.
func flatHuffContexts() *[3]vadpcm.HuffContext {
	var ctx [3]vadpcm.HuffContext
	for i := range ctx {
		for j := 0; j < 16; j++ {
			ctx[i].SetLength(j, 4)
			ctx[i].Values[j] = uint8(j)
		}
	}
	return &ctx
}

// xm64Module describes a fixture module for xm64File.
type xm64Module struct {
	tempo, bpm   int
	numChannels  int
	patternTable []int      // pattern index per slot
	restart      int
	rows         int        // rows per pattern, uniform
	slots        [][]xmSlot // [pattern][row*channel]
	sample       []int16    // PCM of instrument 1 sample 0
	sampleFreq   int
}

type xmSlot struct {
	note, instrument, volume, effect, param uint8
}

// xm64File assembles a complete XM64 file image with one instrument
// backed by an embedded raw WAV64.
func xm64File(t *testing.T, m *xm64Module) []byte {
	t.Helper()

	// Embedded sample right after the header, 16-byte aligned.
	wavOffset := 16
	wav := wav64Raw(1, 16, m.sampleFreq, 0, m.sample)

	// Pattern blocks follow the sample.
	patOffset := wavOffset + len(wav)
	var patBlocks [][]byte
	for _, rows := range m.slots {
		var raw beBuf
		for _, s := range rows {
			raw.u8(s.note)
			raw.u8(s.instrument)
			raw.u8(s.volume)
			raw.u8(s.effect)
			raw.u8(s.param)
		}
		var comp bytes.Buffer
		require.NoError(t, asset.Compress(&comp, raw.b, asset.LevelLZ))
		patBlocks = append(patBlocks, comp.Bytes())
	}

	// Serialized module metadata.
	var meta beBuf
	meta.u32(0)                               // ctx size (informational)
	meta.u32(0)                               // all patterns size
	meta.u32(0)                               // all samples size
	meta.u32(uint32(m.rows * m.numChannels * 5)) // pattern stream buffer
	for i := 0; i < 32; i++ {
		meta.u32(128) // per-voice streaming buffer, in frames
	}
	meta.u16(uint16(m.tempo))
	meta.u16(uint16(m.bpm))
	meta.str("fixture", 21)
	meta.str("audio64", 21)
	meta.u16(uint16(len(m.patternTable)))
	meta.u16(uint16(m.restart))
	meta.u16(uint16(m.numChannels))
	meta.u16(uint16(len(m.slots)))
	meta.u16(1) // instruments

	meta.u32(0) // linear frequencies
	table := make([]byte, 256)
	for i, p := range m.patternTable {
		table[i] = byte(p)
	}
	meta.raw(table)

	off := patOffset
	for i := range m.slots {
		meta.u16(uint16(m.rows))
		meta.u32(uint32(off))
		meta.u16(uint16(len(patBlocks[i])))
		off += len(patBlocks[i])
	}

	// Instrument 1: every note maps to sample 0.
	meta.str("lead", 23)
	meta.raw(make([]byte, 96))
	for i := 0; i < 2; i++ { // volume and panning envelopes, disabled
		meta.u8(0)          // points
		meta.u8(0)          // sustain
		meta.u8(0)          // loop start
		meta.u8(0)          // loop end
		meta.u8(0)          // enabled
		meta.u8(0)          // sustain enabled
		meta.u8(0)          // loop enabled
	}
	meta.u32(0) // vibrato type
	meta.u8(0)  // vibrato sweep
	meta.u8(0)  // vibrato depth
	meta.u8(0)  // vibrato rate
	meta.u16(0) // volume fadeout
	meta.u64(0) // latest trigger
	meta.u16(1) // samples

	meta.u8(16)                         // bits
	meta.u32(uint32(len(m.sample)))     // length
	meta.u32(0)                         // loop start
	meta.u32(0)                         // loop length
	meta.u32(uint32(len(m.sample)))     // loop end
	meta.f32(1)                         // volume
	meta.u8(0)                          // finetune
	meta.u32(0)                         // no loop
	meta.f32(0.5)                       // panning
	meta.u8(0)                          // relative note
	meta.u32(uint32(wavOffset))         // embedded wav64 offset
	meta.u8(0)                          // no external samples

	var compMeta bytes.Buffer
	require.NoError(t, asset.Compress(&compMeta, meta.b, asset.LevelLZ))
	metaOffset := off

	var file beBuf
	file.raw([]byte("XM64"))
	file.u8(11)
	file.u32(uint32(metaOffset))
	file.u32(uint32(compMeta.Len()))
	file.raw(make([]byte, wavOffset-len(file.b)))
	file.raw(wav)
	for _, blk := range patBlocks {
		file.raw(blk)
	}
	file.raw(compMeta.Bytes())
	return file.b
}
