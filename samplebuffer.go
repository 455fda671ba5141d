// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"fmt"

	"github.com/kelindar/audio64/internal/offload"
)

// decodeQueue is the process-wide coprocessor queue shared by every
// codec. Every decode job is submitted on the high-priority lane,
// preloading included; nothing is submitted at normal priority.
var decodeQueue = offload.New()

// SampleBuffer is the per-voice staging ring between a bursty decoder
// and the steady consumer (the mixer). It presents a sliding window of
// logical sample indices [wpos, wpos+widx) backed by the physical
// interval [0, widx) of its region, and compacts the window when an
// append would otherwise overflow.
//
// All sizes and indices are in sample frames; the frame width is set
// with SetBitsPerSample.
type SampleBuffer struct {
	mem       Region        // backing storage (uncached, 8-byte aligned)
	state     []byte        // reserved per-voice codec state at the tail
	stateSize int           // bytes reserved for codec state
	bps       uint          // log2 of bytes per frame (0, 1 or 2)
	size      int           // capacity in frames at the current bps
	wpos      int           // logical index of the first frame held
	widx      int           // number of valid frames in the buffer
	ridx      int           // first frame still needed by the consumer
	wnext     int           // expected next append position (-1: none)
	wave      *Waveform     // bound waveform
	read      WaveformRead  // bound read callback
	codec     any           // opaque per-voice codec state
}

// Init binds the buffer to a backing region and reserves the last
// stateSize bytes of it for per-voice codec state. The buffer starts
// empty at 8 bits per sample.
func (b *SampleBuffer) Init(mem Region, stateSize int) {
	if stateSize < 0 || stateSize >= mem.Len() {
		panic(fmt.Sprintf("audio64: samplebuffer state size out of range: %d/%d", stateSize, mem.Len()))
	}
	*b = SampleBuffer{
		mem:       mem,
		stateSize: stateSize,
		size:      mem.Len() - stateSize,
		wnext:     -1,
	}
	if stateSize > 0 {
		b.state = mem.Bytes()[b.size:]
	}
}

// Inited reports whether the buffer has been bound to a region.
func (b *SampleBuffer) Inited() bool { return b.mem.data != nil }

// SetBitsPerSample sets the frame width to 8, 16 or 32 bits. It can
// only be called while the buffer is empty; the capacity is rescaled
// from bytes to frames of the new width.
func (b *SampleBuffer) SetBitsPerSample(bits int) {
	if bits != 8 && bits != 16 && bits != 32 {
		panic(fmt.Sprintf("audio64: invalid bits per sample: %d", bits))
	}
	if b.widx != 0 || b.ridx != 0 || b.wpos != 0 {
		panic("audio64: SetBitsPerSample requires an empty samplebuffer")
	}

	nbytes := b.size << b.bps
	switch bits {
	case 8:
		b.bps = 0
	case 16:
		b.bps = 1
	case 32:
		b.bps = 2
	}
	b.size = nbytes >> b.bps
}

// SetWaveform associates a waveform and its read callback with the
// buffer. The waveform's declared state size must fit the reserved
// state area.
func (b *SampleBuffer) SetWaveform(wave *Waveform, read WaveformRead) {
	if wave.StateSize > b.stateSize {
		panic(fmt.Sprintf("audio64: waveform state does not fit samplebuffer: %d/%d", wave.StateSize, b.stateSize))
	}
	if b.wave != wave {
		b.codec = nil
	}
	b.wave = wave
	b.read = read
}

// CodecState returns the opaque per-voice decoder state, if any.
func (b *SampleBuffer) CodecState() any { return b.codec }

// SetCodecState installs the opaque per-voice decoder state. It lives
// alongside the reserved state area and is dropped when a different
// waveform is bound to the buffer.
func (b *SampleBuffer) SetCodecState(state any) { b.codec = state }

// Waveform returns the currently bound waveform, if any.
func (b *SampleBuffer) Waveform() *Waveform { return b.wave }

// State returns the reserved per-voice codec state area.
func (b *SampleBuffer) State() []byte { return b.state }

// WindowStart returns the logical index of the first frame held.
func (b *SampleBuffer) WindowStart() int { return b.wpos }

// Len returns the number of valid frames currently held.
func (b *SampleBuffer) Len() int { return b.widx }

// roundUp8 rounds nsamples up so that they span a whole number of
// 8-byte words at the given frame shift. Keeping the buffer filled in
// 8-byte multiples spares codecs any partial-trailer handling and makes
// DMA transfers slightly faster.
func roundUp8(nsamples int, bps uint) int {
	perWord := 8 >> bps
	return (nsamples + perWord - 1) >> (3 - bps) << (3 - bps)
}

// Get returns the samples at logical position wpos, decoding more
// through the waveform's read callback as needed. It returns the bytes
// backing the frames starting at wpos, and the number of frames
// actually available, which is less than wlen after a short decode;
// the consumer inserts silence for the missing tail.
func (b *SampleBuffer) Get(wpos, wlen int) ([]byte, int) {
	if b.widx == 0 || wpos < b.wpos || wpos > b.wpos+b.widx {
		// The requested position is entirely outside the window and not
		// even consecutive with it: flush and decode from scratch. This
		// can be a genuine seek, but also a full discard; only report
		// seeking when the position differs from the expected one.
		seeking := wpos != b.wnext
		b.Flush()
		b.wpos = wpos

		// An odd starting byte address would change the 2-byte phase
		// between the file and the buffer and make direct DMA illegal,
		// so step back one frame and decode one more.
		length := wlen
		if (b.wpos<<b.bps)&1 != 0 {
			b.wpos--
			length++
		}
		b.read(b, b.wpos, roundUp8(length, b.bps), seeking)
		b.wnext = b.wpos + b.widx
	} else {
		// Record the first frame the consumer still needs before
		// decoding: the read callback may push more samples than
		// requested and force a compaction, which keeps [ridx, widx).
		b.ridx = wpos - b.wpos

		// Part of the request may already be resident, for instance a
		// whole loop body that never leaves the buffer.
		reuse := b.wpos + b.widx - wpos
		if reuse < wlen {
			if wpos+reuse != b.wnext {
				panic(fmt.Sprintf("audio64: samplebuffer expected append at %#x, got %#x", b.wnext, wpos+reuse))
			}
			b.read(b, wpos+reuse, roundUp8(wlen-reuse, b.bps), false)
			b.wnext = b.wpos + b.widx
		}
	}

	if wpos < b.wpos {
		panic(fmt.Sprintf("audio64: samplebuffer get out of window: wpos:%#x window:[%#x,%#x)", wpos, b.wpos, b.wpos+b.widx))
	}

	// A read callback that produced nothing (end of data, storage
	// failure) leaves no frame at wpos: a short read of zero frames.
	idx := wpos - b.wpos
	avail := b.widx - idx
	if avail <= 0 {
		return nil, 0
	}
	if avail < wlen {
		wlen = avail
	}
	return b.mem.Bytes()[idx<<b.bps : (idx+wlen)<<b.bps], wlen
}

// Append reserves space for wlen frames at the write position and
// returns the bytes backing them, compacting the buffer first if they
// would not fit. The returned slice always starts on an 8-byte
// boundary of the region. Used by codec read callbacks.
func (b *SampleBuffer) Append(wlen int) []byte {
	if b.widx+wlen > b.size {
		if b.widx < b.ridx {
			panic(fmt.Sprintf("audio64: samplebuffer consistency: widx:%#x ridx:%#x", b.widx, b.ridx))
		}

		// Discard everything below ridx, but first roll ridx back to an
		// 8-byte aligned frame so that the pointer returned below stays
		// aligned for DMA.
		ridx := b.ridx
		for (ridx<<b.bps)&7 != 0 {
			ridx--
		}
		b.Discard(b.wpos + ridx)
	}

	if (b.wpos<<b.bps)%2 != 0 {
		panic(fmt.Sprintf("audio64: samplebuffer odd phase: wpos:%#x", b.wpos))
	}

	// Still no room after compaction: the buffer is simply too small
	// for this append, which is a caller bug.
	if b.widx+wlen > b.size {
		panic(fmt.Sprintf("audio64: samplebuffer too small: ridx:%#x widx:%#x wlen:%#x size:%#x", b.ridx, b.widx, wlen, b.size))
	}

	data := b.mem.Bytes()[b.widx<<b.bps : (b.widx+wlen)<<b.bps]
	b.widx += wlen
	return data
}

// Undo retracts the last wlen appended frames. Codecs use it at loop
// end to trim samples decoded past the waveform length.
func (b *SampleBuffer) Undo(wlen int) {
	if b.widx < wlen {
		panic(fmt.Sprintf("audio64: samplebuffer undo out of range: wlen:%#x widx:%#x", wlen, b.widx))
	}
	b.widx -= wlen
}

// Discard drops all frames with logical index below wpos, compacting
// the survivors to the start of the region. It is a no-op if wpos is
// at or below the window start, and clamps to the window end.
func (b *SampleBuffer) Discard(wpos int) {
	idx := wpos - b.wpos
	if idx <= 0 {
		return
	}
	if idx > b.widx {
		idx = b.widx
	}

	// Keep the 2-byte phase of the window stable across the move so
	// that waveforms can keep issuing byte-aligned DMA.
	if (idx<<b.bps)&1 != 0 {
		idx--
		if idx == 0 {
			return
		}
	}

	keptBytes := (b.widx - idx) << b.bps
	if keptBytes > 0 {
		// The coprocessor may still be writing to the range being
		// moved, so drain any outstanding decode work first.
		decodeQueue.Sync()

		// Move the survivors down with whole 8-byte words. The region
		// is word-backed, so rounding the length up is always legal,
		// and on uncached memory copying a little extra is cheaper
		// than a precise tail.
		mem := b.mem.cap8()
		src := idx << b.bps
		n := (keptBytes + 7) &^ 7
		if src+n > b.size<<b.bps {
			// Don't let the word-rounded tail spill into the codec
			// state area at the end of the region.
			n = keptBytes
		}
		copy(mem[:n], mem[src:src+n])
	}

	b.wpos += idx
	b.widx -= idx
	b.ridx -= idx
	if b.ridx < 0 {
		b.ridx = 0
	}
}

// Flush empties the buffer. The next Get will decode from scratch.
func (b *SampleBuffer) Flush() {
	b.wpos, b.widx, b.ridx = 0, 0, 0
	b.wnext = -1
}
