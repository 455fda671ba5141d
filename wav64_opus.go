// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kelindar/audio64/internal/binout"
	"github.com/thesyncim/gopus"
)

// EnableOpus registers the Opus-Custom codec in the dispatch table.
// The codec is opt-in because it pulls in the whole CELT decoder;
// call it once at program start before opening Opus-compressed files.
//
// A WAV64 compressed with Opus carries a sequence of raw CELT frames:
// the Opus framing layer is not used at all. Each frame is preceded by
// a 16-bit little-endian length and padded to 2-byte alignment so the
// payload can be fetched with aligned reads.
func EnableOpus() {
	wav64Codecs[FormatOpus] = &wav64Codec{
		init:    wav64OpusInit,
		close:   wav64OpusClose,
		bitrate: wav64OpusBitrate,
	}
}

// wav64Opus is the parsed Opus extension: the custom mode parameters
// shared by every voice playing this file.
type wav64Opus struct {
	frameSize    int // samples per compressed frame
	maxFrameSize int // largest compressed frame in bytes
	bitrate      int // bits per second hint
}

// opusVoiceState is the per-voice decoder instance and its position in
// the compressed stream.
type opusVoiceState struct {
	dec    *gopus.Decoder
	offset int64 // next compressed byte relative to the payload base
}

func wav64OpusInit(w *Wav64, stateSize int) error {
	if len(w.ext) < 16 {
		return fmt.Errorf("wav64: %s: truncated Opus extension: %w", w.Wave.Name, ErrInvalidFormat)
	}

	r := binout.NewReader(bytes.NewReader(w.ext))
	hdr := &wav64Opus{
		frameSize:    int(r.Read32()),
		maxFrameSize: int(r.Read32()),
		bitrate:      int(r.Read32()),
	}
	r.Read32() // runtime decoder pointer, zero on disk

	if hdr.frameSize <= 0 || hdr.maxFrameSize <= 0 {
		return fmt.Errorf("wav64: %s: invalid Opus frame sizes: %w", w.Wave.Name, ErrInvalidFormat)
	}

	w.codecData = hdr
	w.Wave.Read = w.opusRead
	w.Wave.Start = w.opusStart
	return nil
}

func wav64OpusClose(w *Wav64) {}

func wav64OpusBitrate(w *Wav64) int {
	return w.codecData.(*wav64Opus).bitrate
}

func (w *Wav64) opusStart(sbuf *SampleBuffer) {
	dec, err := gopus.NewDecoder(int(w.Wave.Frequency), w.Wave.Channels)
	if err != nil {
		panic(fmt.Sprintf("audio64: %s: opus decoder: %v", w.Wave.Name, err))
	}
	sbuf.SetCodecState(&opusVoiceState{dec: dec})
}

func (w *Wav64) opusRead(sbuf *SampleBuffer, wpos, wlen int, seeking bool) {
	hdr := w.codecData.(*wav64Opus)
	vstate, ok := sbuf.CodecState().(*opusVoiceState)
	if !ok {
		// Triggered without the start hook (preload path).
		w.opusStart(sbuf)
		vstate = sbuf.CodecState().(*opusVoiceState)
	}

	if seeking {
		if wpos != 0 {
			panic(fmt.Sprintf("audio64: %s: seeking not supported with Opus compression: %#x", w.Wave.Name, wpos))
		}
		vstate.offset = 0
		vstate.dec.ResetState()
	}

	nframes := (wlen + hdr.frameSize - 1) / hdr.frameSize

	// Reserve all decoded frames with a single append: each append may
	// compact the buffer, and the writes below must land in place.
	dst := sbuf.Append(hdr.frameSize * nframes)
	frameBytes := hdr.frameSize * w.Wave.Channels * 2

	payload := make([]byte, hdr.maxFrameSize+1)
	for i := 0; i < nframes; i++ {
		if wpos >= w.Wave.Length {
			panic(fmt.Sprintf("audio64: %s: opus read past end: %#x/%#x", w.Wave.Name, wpos, w.Wave.Length))
		}

		var sizebuf [2]byte
		if _, err := w.file.ReadAt(sizebuf[:], w.baseOffset+vstate.offset); err != nil {
			panic(fmt.Sprintf("audio64: %s: opus frame header: %v", w.Wave.Name, err))
		}
		nb := int(binary.LittleEndian.Uint16(sizebuf[:]))
		if nb > hdr.maxFrameSize {
			panic(fmt.Sprintf("audio64: %s: opus frame too large: %d/%d", w.Wave.Name, nb, hdr.maxFrameSize))
		}
		aligned := (nb + 1) &^ 1

		if n, err := w.file.ReadAt(payload[:aligned], w.baseOffset+vstate.offset+2); n != aligned {
			panic(fmt.Sprintf("audio64: %s: opus read past end: %d/%d: %v", w.Wave.Name, n, aligned, err))
		}
		vstate.offset += 2 + int64(aligned)

		pcm, err := vstate.dec.Decode(payload[:nb], hdr.frameSize, false)
		if err != nil {
			panic(fmt.Sprintf("audio64: %s: opus decode: %v", w.Wave.Name, err))
		}
		if len(pcm) != hdr.frameSize*w.Wave.Channels {
			panic(fmt.Sprintf("audio64: %s: opus wrong frame size: %d (exp %d)", w.Wave.Name, len(pcm), hdr.frameSize*w.Wave.Channels))
		}

		out := dst[i*frameBytes:]
		for j, s := range pcm {
			binary.LittleEndian.PutUint16(out[2*j:], uint16(s))
		}

		wpos += hdr.frameSize
		wlen -= hdr.frameSize
	}

	if w.Wave.Looping() && wpos >= w.Wave.Length {
		if w.Wave.LoopLength != w.Wave.Length {
			panic(fmt.Sprintf("audio64: %s: opus loops must span the whole waveform", w.Wave.Name))
		}
		sbuf.Undo(wpos - w.Wave.Length)
	}
}
