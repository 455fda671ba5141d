// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"codeberg.org/go-mmap/mmap"
	"github.com/kelindar/audio64/internal/binout"
)

// WAV64 container constants.
const (
	wav64Magic   = "WV64"
	wav64Version = 4

	// FormatRaw is uncompressed PCM.
	FormatRaw = 0
	// FormatVADPCM is the predictive vector ADPCM codec.
	FormatVADPCM = 1
	// FormatOpus is the Opus-Custom (CELT) codec.
	FormatOpus = 3

	wav64NumFormats = 4
	wav64HeaderSize = 28
)

// Common errors returned when opening WAV64 files.
var (
	ErrInvalidFormat  = errors.New("wav64: invalid file format")
	ErrUnknownCodec   = errors.New("wav64: unknown compression format")
	ErrCodecDisabled  = errors.New("wav64: compression format not enabled")
	ErrInvalidVersion = errors.New("wav64: unsupported file version")
)

// wav64Codec is a pluggable compression algorithm: init parses the
// codec extension and installs the read callback, close releases any
// codec-owned resources, bitrate reports the compressed bitrate.
type wav64Codec struct {
	init    func(w *Wav64, stateSize int) error
	close   func(w *Wav64)
	bitrate func(w *Wav64) int
}

// wav64Codecs is the format dispatch table. Raw and VADPCM are always
// registered; Opus pulls in a heavyweight decoder and must be opted in
// with EnableOpus.
var wav64Codecs [wav64NumFormats]*wav64Codec

func init() {
	wav64Codecs[FormatRaw] = &wav64Codec{
		init:    wav64RawInit,
		bitrate: wav64RawBitrate,
	}
	wav64Codecs[FormatVADPCM] = &wav64Codec{
		init:    wav64VadpcmInit,
		close:   wav64VadpcmClose,
		bitrate: wav64VadpcmBitrate,
	}
}

// Wav64 is an opened WAV64 audio file: the concrete Waveform
// implementation backed by mass storage or preloaded memory.
type Wav64 struct {
	Wave       Waveform     // waveform exposed to voices
	format     int          // codec index into the dispatch table
	ext        []byte       // codec extension region
	samples    []byte       // preloaded PCM, nil when streaming
	file       io.ReaderAt  // sample payload source
	closer     io.Closer    // set when the file handle is owned
	baseOffset int64        // byte offset of the first sample payload
	codecData  any          // per-file codec state (tables, modes, ...)
	voices     []*Voice     // voices this waveform was played on
}

type loadParams struct {
	preload bool
}

// LoadOption configures Load.
type LoadOption func(*loadParams)

// WithPreload decodes the whole file into memory at load time; the
// waveform is then re-registered as raw PCM and subsequent playback
// never touches storage.
func WithPreload() LoadOption {
	return func(p *loadParams) { p.preload = true }
}

// Open opens a WAV64 file for streaming playback.
func Open(path string) (*Wav64, error) {
	return Load(path)
}

// Load opens a WAV64 file. With WithPreload the samples are decoded
// up front through a memory-mapped view of the file.
func Load(path string, opts ...LoadOption) (*Wav64, error) {
	var params loadParams
	for _, opt := range opts {
		opt(&params)
	}

	var f interface {
		io.ReaderAt
		io.Closer
	}
	var err error
	if params.preload {
		f, err = mmap.Open(path)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("wav64: open %s: %w", path, err)
	}

	w, err := load(f, 0, path, params)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	if params.preload {
		// Preloaded files never touch storage again.
		w.closer = nil
		w.file = nil
		f.Close()
	}
	return w, nil
}

// LoadFrom opens a WAV64 whose payload starts at base inside r. The
// reader is not owned: several waveforms may share one descriptor, as
// tracker modules do for their embedded samples.
func LoadFrom(r io.ReaderAt, base int64, name string, opts ...LoadOption) (*Wav64, error) {
	var params loadParams
	for _, opt := range opts {
		opt(&params)
	}
	return load(r, base, name, params)
}

func load(f io.ReaderAt, base int64, name string, params loadParams) (*Wav64, error) {
	head := make([]byte, wav64HeaderSize)
	if _, err := f.ReadAt(head, base); err != nil {
		return nil, fmt.Errorf("wav64: %s: read header: %w", name, err)
	}

	if string(head[:4]) != wav64Magic {
		if string(head[:4]) == "RIFF" || string(head[:4]) == "RIFX" {
			return nil, fmt.Errorf("wav64: %s: plain WAV file, convert to wav64 first: %w", name, ErrInvalidFormat)
		}
		return nil, fmt.Errorf("wav64: %s: bad magic %02x%02x%02x%02x: %w", name, head[0], head[1], head[2], head[3], ErrInvalidFormat)
	}

	r := binout.NewReader(bytes.NewReader(head[4:]))
	version := int(r.Read8())
	format := int(r.Read8())
	channels := int(r.Read8())
	bits := int(r.Read8())
	freq := r.Read32()
	length := r.Read32()
	loopLen := r.Read32()
	startOffset := r.Read32()
	stateSize := r.Read32()

	if version != wav64Version {
		return nil, fmt.Errorf("wav64: %s: version %d: %w", name, version, ErrInvalidVersion)
	}
	if format < 0 || format >= wav64NumFormats || (format != FormatRaw && format != FormatVADPCM && format != FormatOpus) {
		return nil, fmt.Errorf("wav64: %s: format %d: %w", name, format, ErrUnknownCodec)
	}
	if wav64Codecs[format] == nil {
		return nil, fmt.Errorf("wav64: %s: format %d: %w", name, format, ErrCodecDisabled)
	}

	w := &Wav64{
		format:     format,
		file:       f,
		baseOffset: base + int64(startOffset),
	}
	w.Wave = Waveform{
		Name:       name,
		Channels:   channels,
		Bits:       bits,
		Frequency:  float32(freq),
		Length:     int(length),
		LoopLength: int(loopLen),
		StateSize:  int(stateSize),
	}
	w.Wave.normalizeLoop()

	extSize := int(startOffset) - wav64HeaderSize
	if extSize > 0 {
		w.ext = make([]byte, extSize)
		if _, err := f.ReadAt(w.ext, base+wav64HeaderSize); err != nil {
			return nil, fmt.Errorf("wav64: %s: read extension: %w", name, err)
		}
	}

	if err := wav64Codecs[format].init(w, int(stateSize)); err != nil {
		return nil, err
	}

	if params.preload {
		if err := w.preload(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// preload decodes the entire waveform into memory and switches the
// file over to the raw memcopy codec.
func (w *Wav64) preload() error {
	frameBytes := w.Wave.Length << w.Wave.frameShift()
	extra := 0
	if w.format != FormatRaw {
		// Compressed codecs decode in batches rounded up past the end
		// of the waveform, so leave slack for the overshoot.
		extra = 4096
	}
	stateSize := alignUp(w.Wave.StateSize, 16)

	var sbuf SampleBuffer
	sbuf.Init(NewRegion(alignUp(frameBytes, 16)+extra+stateSize), stateSize)
	sbuf.SetBitsPerSample(w.Wave.Bits * w.Wave.Channels)
	sbuf.SetWaveform(&w.Wave, w.Wave.Read)
	if w.Wave.Start != nil {
		w.Wave.Start(&sbuf)
	}

	data, n := sbuf.Get(0, w.Wave.Length)
	decodeQueue.Sync()
	if n != w.Wave.Length {
		return fmt.Errorf("wav64: %s: preload decoded %d/%d frames: %w", w.Wave.Name, n, w.Wave.Length, ErrInvalidFormat)
	}

	if codec := wav64Codecs[w.format]; codec.close != nil {
		codec.close(w)
	}

	w.samples = data[:frameBytes]
	w.ext = nil
	w.codecData = nil
	w.format = FormatRaw
	return wav64Codecs[FormatRaw].init(w, 0)
}

// Play starts the waveform on the given voice.
func (w *Wav64) Play(v *Voice) {
	v.Play(&w.Wave)
	for _, known := range w.voices {
		if known == v {
			return
		}
	}
	w.voices = append(w.voices, v)
}

// SetLoop makes the whole waveform loop, or disables looping. Odd
// lengths are shortened by one sample for 8-bit waveforms, as the
// asset converter does.
func (w *Wav64) SetLoop(loop bool) {
	if loop {
		w.Wave.LoopLength = w.Wave.Length
	} else {
		w.Wave.LoopLength = 0
	}
	w.Wave.normalizeLoop()
}

// Bitrate returns the average compressed bitrate in bits per second.
func (w *Wav64) Bitrate() int {
	if codec := wav64Codecs[w.format]; codec.bitrate != nil {
		return codec.bitrate(w)
	}
	return wav64RawBitrate(w)
}

// Close stops any voice still playing the waveform, releases codec
// resources and closes the owned file handle. Closing twice is
// harmless.
func (w *Wav64) Close() error {
	if w.file == nil && w.samples == nil && w.codecData == nil && w.closer == nil {
		return nil
	}

	for _, v := range w.voices {
		if v.PlayingWaveform() == &w.Wave {
			v.Stop()
		}
	}
	w.voices = nil

	if codec := wav64Codecs[w.format]; codec != nil && codec.close != nil {
		codec.close(w)
	}

	var err error
	if w.closer != nil {
		err = w.closer.Close()
		w.closer = nil
	}
	w.file = nil
	w.samples = nil
	w.ext = nil
	w.codecData = nil
	return err
}
