// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"bytes"
	"fmt"

	"github.com/kelindar/audio64/internal/binout"
	"github.com/kelindar/audio64/internal/vadpcm"
)

// vadpcmFlagHuffman marks a stream whose nibble stream is compressed
// with the per-file Huffman overlay.
const vadpcmFlagHuffman = 1 << 0

// vadpcmHeaderSize is the fixed extension size before the codebook.
const vadpcmHeaderSize = 88

// vadpcmSkipSize is the on-disk size of one skip point.
const vadpcmSkipSize = 40

// maxVadpcmFrames is the largest number of frames submitted to the
// decode queue per batch, matching the coprocessor job limit.
const maxVadpcmFrames = 94

// wav64Vadpcm is the parsed VADPCM extension of an open file.
type wav64Vadpcm struct {
	flags  uint8
	book   vadpcm.Codebook
	tables *[3]vadpcm.HuffTable
	skips  []vadpcmSkip
}

// vadpcmSkip allows random access into the compressed stream: decoder
// state and bit position recorded at a frame boundary.
type vadpcmSkip struct {
	state  [2]vadpcm.Vector
	bitpos int
	offset int // logical sample offset, frame-aligned
}

// vadpcmVoiceState is the per-voice decoder state: the previous-frame
// tail for both channels, and the bit position in Huffman streams.
type vadpcmVoiceState struct {
	state  [2]vadpcm.Vector
	bitpos int
}

func wav64VadpcmInit(w *Wav64, stateSize int) error {
	if len(w.ext) < vadpcmHeaderSize {
		return fmt.Errorf("wav64: %s: truncated VADPCM extension: %w", w.Wave.Name, ErrInvalidFormat)
	}

	hdr := &wav64Vadpcm{}
	r := binout.NewReader(bytes.NewReader(w.ext))
	predictors := int(int8(r.Read8()))
	order := int(int8(r.Read8()))
	hdr.flags = r.Read8()
	numSkip := int(int8(r.Read8()))
	r.Read32() // huffman table pointer, built below
	skipOffset := int(r.Read32())

	var ctx [3]vadpcm.HuffContext
	for i := 0; i < 3; i++ {
		r.ReadBytes(ctx[i].Lengths[:])
		r.ReadBytes(ctx[i].Values[:])
	}
	r.Read32() // padding

	hdr.book = vadpcm.Codebook{
		Predictors: predictors,
		Order:      order,
		Vectors:    make([]vadpcm.Vector, predictors*order*w.Wave.Channels),
	}
	for i := range hdr.book.Vectors {
		for j := 0; j < 8; j++ {
			hdr.book.Vectors[i][j] = int16(r.Read16())
		}
	}
	if err := hdr.book.Validate(); err != nil {
		return fmt.Errorf("wav64: %s: %w", w.Wave.Name, err)
	}

	if hdr.flags&vadpcmFlagHuffman != 0 {
		tables, err := vadpcm.BuildTables(&ctx)
		if err != nil {
			return fmt.Errorf("wav64: %s: %w", w.Wave.Name, err)
		}
		hdr.tables = tables
	}

	// The skip point table sits after the codebook; its field holds
	// the byte offset from the codebook base.
	if numSkip > 0 {
		base := vadpcmHeaderSize + skipOffset
		if base+numSkip*vadpcmSkipSize > len(w.ext) {
			return fmt.Errorf("wav64: %s: skip points out of range: %w", w.Wave.Name, ErrInvalidFormat)
		}
		sr := binout.NewReader(bytes.NewReader(w.ext[base:]))
		hdr.skips = make([]vadpcmSkip, numSkip)
		for i := range hdr.skips {
			sp := &hdr.skips[i]
			for c := 0; c < 2; c++ {
				for j := 0; j < 8; j++ {
					sp.state[c][j] = int16(sr.Read16())
				}
			}
			sp.bitpos = int(int32(sr.Read32()))
			sp.offset = int(int32(sr.Read32()))
		}
	}

	if err := r.Err(); err != nil {
		return fmt.Errorf("wav64: %s: parse VADPCM extension: %w", w.Wave.Name, err)
	}

	w.codecData = hdr
	w.Wave.Read = w.vadpcmRead
	return nil
}

func wav64VadpcmClose(w *Wav64) {
	if hdr, ok := w.codecData.(*wav64Vadpcm); ok {
		hdr.tables = nil
	}
}

func wav64VadpcmBitrate(w *Wav64) int {
	return int(w.Wave.Frequency) * w.Wave.Channels * 72 / 16
}

func (w *Wav64) vadpcmRead(sbuf *SampleBuffer, wpos, wlen int, seeking bool) {
	hdr := w.codecData.(*wav64Vadpcm)

	vstate, ok := sbuf.CodecState().(*vadpcmVoiceState)
	if !ok {
		vstate = &vadpcmVoiceState{}
		sbuf.SetCodecState(vstate)
	}

	huffman := hdr.flags&vadpcmFlagHuffman != 0
	channels := w.Wave.Channels

	if seeking {
		switch {
		case wpos == 0:
			decodeQueue.Sync()
			*vstate = vadpcmVoiceState{}
		default:
			sp := hdr.findSkip(wpos)
			if sp == nil && huffman {
				panic(fmt.Sprintf("audio64: %s: invalid VADPCM seeking point: %#x", w.Wave.Name, wpos))
			}
			decodeQueue.Sync()
			if sp != nil {
				vstate.state = sp.state
				vstate.bitpos = sp.bitpos
			} else {
				// Without the Huffman overlay the compressed offset of
				// any frame boundary is computable, so a cold seek just
				// starts predicting from silence.
				if wpos%vadpcm.FrameSamples != 0 {
					panic(fmt.Sprintf("audio64: %s: VADPCM seek not frame aligned: %#x", w.Wave.Name, wpos))
				}
				vstate.state = [2]vadpcm.Vector{}
			}
		}
	} else if wpos%vadpcm.FrameSamples != 0 {
		panic(fmt.Sprintf("audio64: %s: VADPCM read not frame aligned: %#x", w.Wave.Name, wpos))
	}

	// The decode queue works in units of two frames for DMA alignment,
	// so round the request up; the converter pads files accordingly.
	wlen = alignUp(wlen, 32)
	if wlen == 0 {
		return
	}

	maxFrames := maxVadpcmFrames
	if channels == 2 {
		maxFrames /= 2
	}

	// Byte offset of the next compressed frame for non-Huffman streams.
	fileOffset := w.baseOffset + int64(wpos/vadpcm.FrameSamples)*vadpcm.FrameBytes*int64(channels)

	for wlen > 0 {
		nframes := wlen / vadpcm.FrameSamples
		if nframes > maxFrames {
			nframes = maxFrames
		}

		// Reserve the decoded frames up front and place the compressed
		// source at the tail of the same region: the decode is safe to
		// run in place since output outpaces input.
		dst := sbuf.Append(nframes * vadpcm.FrameSamples)
		srcBytes := vadpcm.FrameBytes * nframes * channels
		src := dst[len(dst)-srcBytes:]

		if huffman {
			w.huffFill(vstate, src)
		} else {
			if n, err := w.file.ReadAt(src, fileOffset); n != srcBytes {
				panic(fmt.Sprintf("audio64: %s: short VADPCM read: %d/%d: %v", w.Wave.Name, n, srcBytes, err))
			}
			fileOffset += int64(srcBytes)
		}

		out, cin, n := dst, src, nframes
		decodeQueue.SubmitHigh(func() {
			var err error
			if channels == 2 {
				err = vadpcm.DecodeStereoLE(&hdr.book, &vstate.state, out, cin, n)
			} else {
				err = vadpcm.DecodeLE(&hdr.book, &vstate.state[0], out, cin, n)
			}
			if err != nil {
				panic(fmt.Sprintf("audio64: %s: VADPCM decode: %v", w.Wave.Name, err))
			}
		})

		wlen -= vadpcm.FrameSamples * nframes
		wpos += vadpcm.FrameSamples * nframes
	}

	if w.Wave.Looping() && wpos > w.Wave.Length {
		sbuf.Undo(wpos - w.Wave.Length)

		// The next read may reuse the undone bytes as its compressed
		// source while the decode queue is still writing them, so
		// drain it before returning.
		decodeQueue.Sync()
	}
}

// huffFill reads compressed bits from storage and expands them into
// the 9-byte frame layout at dst, advancing the voice bit position.
func (w *Wav64) huffFill(vstate *vadpcmVoiceState, dst []byte) {
	hdr := w.codecData.(*wav64Vadpcm)

	// Worst case every nibble takes a full 8-bit code, so read up to
	// twice the frame bytes plus refill slack; short reads near the
	// end of the file are fine, the tail reads as zero bits.
	scratch := make([]byte, 2*len(dst)+8)
	n, _ := w.file.ReadAt(scratch, w.baseOffset+int64(vstate.bitpos/8))

	dec := vadpcm.NewHuffDecoder(hdr.tables, scratch[:n], vstate.bitpos)
	dec.Decompress(dst)
	vstate.bitpos = dec.BitPos()
}

func (h *wav64Vadpcm) findSkip(wpos int) *vadpcmSkip {
	for i := range h.skips {
		if h.skips[i].offset == wpos {
			return &h.skips[i]
		}
	}
	return nil
}
