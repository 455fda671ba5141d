// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import "io"

// wav64RawInit installs the raw PCM read callback: a positioned read
// straight from storage, or a memcopy when the samples are preloaded.
func wav64RawInit(w *Wav64, stateSize int) error {
	if w.samples == nil {
		w.Wave.Read = w.rawRead
	} else {
		w.Wave.Read = w.rawReadMemcopy
	}
	return nil
}

func wav64RawBitrate(w *Wav64) int {
	return int(w.Wave.Frequency) * w.Wave.Channels * w.Wave.Bits
}

// rawRead streams PCM frames from storage into the sample buffer. The
// read is always positioned explicitly so that a single descriptor can
// back multiple voices playing different offsets of the same file.
func (w *Wav64) rawRead(sbuf *SampleBuffer, wpos, wlen int, seeking bool) {
	shift := w.Wave.frameShift()
	dst := sbuf.Append(wlen)

	n, err := w.file.ReadAt(dst[:wlen<<shift], w.baseOffset+int64(wpos)<<shift)
	if err != nil && err != io.EOF {
		// Storage failure: produce nothing; the consumer sees a short
		// read and inserts silence.
		sbuf.Undo(wlen)
		return
	}
	if got := n >> shift; got < wlen {
		sbuf.Undo(wlen - got)
		wlen = got
	}
	w.swapSamples(dst[:wlen<<shift])
}

// rawReadMemcopy serves preloaded samples. Preloaded memory is already
// in native sample order.
func (w *Wav64) rawReadMemcopy(sbuf *SampleBuffer, wpos, wlen int, seeking bool) {
	shift := w.Wave.frameShift()
	src := w.samples[wpos<<shift:]
	if max := len(src) >> shift; wlen > max {
		wlen = max
	}
	dst := sbuf.Append(wlen)
	copy(dst, src[:wlen<<shift])
}

// swapSamples converts big-endian 16-bit samples from the file to the
// native little-endian layout of the sample buffer.
func (w *Wav64) swapSamples(data []byte) {
	if w.Wave.Bits != 16 {
		return
	}
	for i := 0; i+1 < len(data); i += 2 {
		data[i], data[i+1] = data[i+1], data[i]
	}
}
