// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// counterWaveform produces 16-bit samples whose value equals their
// logical index, which makes window contents trivially checkable.
func counterWaveform(length int) *Waveform {
	w := &Waveform{
		Name:      "counter",
		Channels:  1,
		Bits:      16,
		Frequency: 22050,
		Length:    length,
	}
	w.Read = func(sbuf *SampleBuffer, wpos, wlen int, seeking bool) {
		if wpos+wlen > length {
			wlen = length - wpos
		}
		if wlen <= 0 {
			return
		}
		dst := sbuf.Append(wlen)
		for i := 0; i < wlen; i++ {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(wpos+i))
		}
	}
	return w
}

func newTestBuffer(t *testing.T, frames int, wave *Waveform) *SampleBuffer {
	t.Helper()
	var b SampleBuffer
	b.Init(NewRegion(frames*2+16), 16)
	b.SetBitsPerSample(16)
	require.Equal(t, frames, b.size)
	b.SetWaveform(wave, wave.Read)
	return &b
}

func sampleAt(data []byte, i int) uint16 {
	return binary.LittleEndian.Uint16(data[2*i:])
}

func TestSampleBuffer_Get(t *testing.T) {
	b := newTestBuffer(t, 32, counterWaveform(1024))

	data, n := b.Get(0, 16)
	assert.Equal(t, 16, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, uint16(i), sampleAt(data, i))
	}
	assert.Equal(t, 0, b.WindowStart())

	// Contiguous read reuses the window.
	data, n = b.Get(8, 8)
	assert.Equal(t, 8, n)
	assert.Equal(t, uint16(8), sampleAt(data, 0))
}

func TestSampleBuffer_Compaction(t *testing.T) {
	wave := counterWaveform(1024)
	b := newTestBuffer(t, 32, wave)

	// Fill the first half, consume it, then force an append that does
	// not fit: the buffer must compact and keep the live samples.
	_, n := b.Get(0, 16)
	require.Equal(t, 16, n)
	_, n = b.Get(16, 16)
	require.Equal(t, 16, n)

	dst := b.Append(16)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(32+i))
	}
	assert.Equal(t, 16, b.WindowStart(), "compaction must discard consumed frames")

	data, n := b.Get(16, 16)
	assert.Equal(t, 16, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, uint16(16+i), sampleAt(data, i), "sample %d", i)
	}

	// The appended frames survived the compaction too.
	data, n = b.Get(32, 16)
	assert.Equal(t, 16, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, uint16(32+i), sampleAt(data, i))
	}
}

func TestSampleBuffer_AppendAligned(t *testing.T) {
	wave := counterWaveform(4096)
	b := newTestBuffer(t, 64, wave)

	off := 0
	for i := 0; i < 40; i++ {
		b.Get(off, 8)
		off += 8
		assert.Zero(t, (b.widx<<b.bps)&7, "append must keep 8-byte multiples")
		assert.Zero(t, b.wpos<<b.bps&1, "wpos byte phase must stay even")
		assert.LessOrEqual(t, b.ridx, b.widx)
		assert.LessOrEqual(t, b.widx, b.size)
	}
}

func TestSampleBuffer_Discard(t *testing.T) {
	wave := counterWaveform(1024)
	b := newTestBuffer(t, 64, wave)

	_, n := b.Get(0, 48)
	require.Equal(t, 48, n)

	b.Discard(20)
	assert.Equal(t, 20, b.WindowStart())

	data, n := b.Get(20, 28)
	require.Equal(t, 28, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, uint16(20+i), sampleAt(data, i))
	}

	// Discard below the window start is a no-op.
	b.Discard(0)
	assert.Equal(t, 20, b.WindowStart())
}

func TestSampleBuffer_Flush(t *testing.T) {
	wave := counterWaveform(1024)
	b := newTestBuffer(t, 32, wave)

	b.Get(0, 16)
	b.Flush()
	assert.Zero(t, b.wpos)
	assert.Zero(t, b.widx)
	assert.Zero(t, b.ridx)
	assert.Equal(t, -1, b.wnext)

	// The next get must decode from scratch with seeking set.
	var sawSeek bool
	wave.Read = func(sbuf *SampleBuffer, wpos, wlen int, seeking bool) {
		sawSeek = seeking
		dst := sbuf.Append(wlen)
		for i := range dst {
			dst[i] = 0
		}
	}
	b.SetWaveform(wave, wave.Read)
	b.Get(0, 8)
	assert.True(t, sawSeek)
}

func TestSampleBuffer_Undo(t *testing.T) {
	wave := counterWaveform(1024)
	b := newTestBuffer(t, 32, wave)

	b.Get(0, 16)
	b.Undo(4)
	assert.Equal(t, 12, b.Len())
	assert.Panics(t, func() { b.Undo(100) })
}

func TestSampleBuffer_SetBitsPerSample(t *testing.T) {
	var b SampleBuffer
	b.Init(NewRegion(64), 0)
	b.SetBitsPerSample(8)
	assert.Equal(t, 64, b.size)
	b.SetBitsPerSample(32)
	assert.Equal(t, 16, b.size)

	b.widx = 1
	assert.Panics(t, func() { b.SetBitsPerSample(16) })
}

func TestSampleBuffer_StateTooLarge(t *testing.T) {
	var b SampleBuffer
	b.Init(NewRegion(128), 16)
	wave := counterWaveform(16)
	wave.StateSize = 64
	assert.Panics(t, func() { b.SetWaveform(wave, wave.Read) })
}

// TestSampleBuffer_Invariants drives random consumer patterns against
// the counter waveform and checks the structural invariants after
// every operation.
func TestSampleBuffer_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const length = 4096
		wave := counterWaveform(length)

		var b SampleBuffer
		frames := rapid.IntRange(32, 128).Draw(t, "frames")
		b.Init(NewRegion(frames*2+16), 16)
		b.SetBitsPerSample(16)
		b.SetWaveform(wave, wave.Read)

		pos := 0
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0: // sequential read
				n := rapid.IntRange(1, b.size/2).Draw(t, "n")
				if pos+n > length {
					pos = 0
				}
				data, got := b.Get(pos, n)
				for j := 0; j < got; j++ {
					if sampleAt(data, j) != uint16(pos+j) {
						t.Fatalf("sample mismatch at %d", pos+j)
					}
				}
				pos += got
			case 1: // random seek
				pos = rapid.IntRange(0, length-16).Draw(t, "pos")
			case 2:
				b.Flush()
			case 3:
				b.Discard(b.WindowStart() + rapid.IntRange(0, b.Len()).Draw(t, "keep"))
			}

			if b.ridx > b.widx || b.widx > b.size {
				t.Fatalf("invariant violated: ridx=%d widx=%d size=%d", b.ridx, b.widx, b.size)
			}
			if (b.wpos<<b.bps)&1 != 0 {
				t.Fatalf("odd wpos byte phase: %d", b.wpos)
			}
		}
	})
}
