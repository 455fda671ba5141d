// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kelindar/audio64/internal/asset"
	"github.com/kelindar/audio64/internal/binout"
	"github.com/kelindar/audio64/internal/xm"
	"github.com/kelindar/intmap"
)

const (
	xm64Magic   = "XM64"
	xm64Version = 11
)

// ErrInvalidModule is returned when an XM64 file fails to parse.
var ErrInvalidModule = errors.New("xm64: invalid module file")

// XM64Player streams a tracker module through a bank of mixer voices.
// Stop and seek are scheduled asynchronously: the public methods record
// a request under a lock and the tick callback, which runs in the mixer
// context, performs the transition. Close is not deferred: it removes
// the tick event and stops the voices itself.
type XM64Player struct {
	mixer      *Mixer
	ctx        *xm.Context
	file       *os.File
	firstVoice int
	playing    bool
	looping    bool
	event      *Event
	waves      []*Wav64

	mu            sync.Mutex // guards the request flags below
	stopRequested bool
	seekPatIdx    int // -1 when no seek is pending
	seekRow       int
	seekTick      int
}

type xm64Params struct {
	extSampleDir string
}

// XM64Option configures OpenXM64.
type XM64Option func(*xm64Params)

// WithExternalSampleDir sets the directory holding externally stored
// instrument samples, named by the 32-bit hash recorded in the module.
func WithExternalSampleDir(dir string) XM64Option {
	return func(p *xm64Params) { p.extSampleDir = dir }
}

// OpenXM64 opens an XM64 module and its instrument samples. Embedded
// samples share the module's file descriptor; external ones are opened
// from the configured sample directory, deduplicated by hash.
func OpenXM64(m *Mixer, path string, opts ...XM64Option) (*XM64Player, error) {
	var params xm64Params
	for _, opt := range opts {
		opt(&params)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xm64: open %s: %w", path, err)
	}

	p, err := openXM64(m, f, path, params)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func openXM64(m *Mixer, f *os.File, path string, params xm64Params) (*XM64Player, error) {
	head := make([]byte, 13)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("xm64: %s: read header: %w", path, err)
	}
	if string(head[:4]) != xm64Magic {
		if string(head[:4]) == "Exte" {
			return nil, fmt.Errorf("xm64: %s: plain XM file, convert to xm64 first: %w", path, ErrInvalidModule)
		}
		return nil, fmt.Errorf("xm64: %s: bad magic: %w", path, ErrInvalidModule)
	}

	r := binout.NewReader(bytes.NewReader(head[4:]))
	version := int(r.Read8())
	metaOffset := int64(r.Read32())
	metaSize := int(r.Read32())
	if version != xm64Version {
		return nil, fmt.Errorf("xm64: %s: version %d not supported: %w", path, version, ErrInvalidModule)
	}

	// The metadata block is asset-compressed; inflate it and hand the
	// module file over for pattern streaming.
	comp := make([]byte, metaSize)
	if _, err := f.ReadAt(comp, metaOffset); err != nil {
		return nil, fmt.Errorf("xm64: %s: read metadata: %w", path, err)
	}
	meta, err := asset.Decompress(bytes.NewReader(comp))
	if err != nil {
		return nil, fmt.Errorf("xm64: %s: %w", path, err)
	}

	ctx, err := xm.Load(bytes.NewReader(meta), f, uint32(m.Rate()))
	if err != nil {
		return nil, fmt.Errorf("xm64: %s: %w", path, err)
	}

	p := &XM64Player{
		mixer:      m,
		ctx:        ctx,
		file:       f,
		looping:    true, // XM64 files loop by default
		seekPatIdx: -1,
	}

	if ctx.ExternalSamples && params.extSampleDir == "" {
		return nil, fmt.Errorf("xm64: %s: external samples enabled but no directory set: %w", path, ErrInvalidModule)
	}

	// Open every instrument sample, reusing one waveform per distinct
	// external hash.
	external := intmap.New(16, 0.95)
	for i := range ctx.Module.Instruments {
		inst := &ctx.Module.Instruments[i]
		for j := range inst.Samples {
			samp := &inst.Samples[j]

			var w *Wav64
			switch {
			case !ctx.ExternalSamples:
				name := fmt.Sprintf("%s[%d:%d]", path, i+1, j)
				w, err = LoadFrom(f, int64(samp.DataOffset), name)

			default:
				if idx, ok := external.Load(samp.DataOffset); ok {
					samp.Wave = p.waves[idx]
					continue
				}
				name := filepath.Join(params.extSampleDir, fmt.Sprintf("%08x.wav64", samp.DataOffset))
				if w, err = Load(name); err == nil {
					external.Store(samp.DataOffset, uint32(len(p.waves)))
				}
			}
			if err != nil {
				p.closeWaves()
				return nil, fmt.Errorf("xm64: %s: sample %d:%d: %w", path, i+1, j, err)
			}
			samp.Wave = w
			p.waves = append(p.waves, w)
		}
	}
	return p, nil
}

// NumChannels returns the number of module channels.
func (p *XM64Player) NumChannels() int { return len(p.ctx.Channels) }

// SetLoop controls whether the module restarts after its last pattern.
func (p *XM64Player) SetLoop(loop bool) { p.looping = loop }

// SetVolume scales the module's overall amplification. 1.0 is the
// suggested default.
func (p *XM64Player) SetVolume(volume float32) {
	p.ctx.Amplification = volume * 0.25
}

// SetEffectCallback registers an observer for dispatched effects.
func (p *XM64Player) SetEffectCallback(cb func(channel, effectType, effectParam uint8)) {
	p.ctx.SetEffectCallback(cb)
}

// Play starts playback on voices firstVoice..firstVoice+NumChannels-1.
func (p *XM64Player) Play(firstVoice int) {
	if firstVoice+p.NumChannels() > p.mixer.NumVoices() {
		panic(fmt.Sprintf("audio64: xm64 needs voices %d..%d, mixer has %d",
			firstVoice, firstVoice+p.NumChannels()-1, p.mixer.NumVoices()))
	}
	if p.playing {
		return
	}

	// The module header records the worst-case streaming buffer per
	// channel; cap each voice so memory stays bounded. A zero means
	// the channel is unused and keeps the default.
	for i := 0; i < p.NumChannels(); i++ {
		if limit := p.ctx.StreamSampleBuf[i]; limit != 0 {
			p.mixer.Voice(firstVoice + i).SetLimits(int(limit))
		}
	}

	p.firstVoice = firstVoice
	p.playing = true
	p.event = p.mixer.AddEvent(0, p.tick)
}

// Stop requests that playback stop at the next tick.
func (p *XM64Player) Stop() {
	p.mu.Lock()
	p.stopRequested = true
	p.mu.Unlock()
}

// Seek requests a jump to the given pattern-table position, row and
// tick, performed at the next tick boundary to avoid racing the mixer.
func (p *XM64Player) Seek(patIdx, row, tick int) {
	p.mu.Lock()
	p.seekPatIdx = patIdx
	p.seekRow = row
	p.seekTick = tick
	p.mu.Unlock()
}

// Tell reports the playing position: pattern-table index, row, and
// seconds elapsed. A pending seek is reported as if already applied.
func (p *XM64Player) Tell() (patIdx, row int, secs float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	patIdx8, _, row8, samples := p.ctx.Position()
	patIdx, row = int(patIdx8), int(row8)
	if p.seekPatIdx >= 0 {
		patIdx, row = p.seekPatIdx, p.seekRow
	}
	return patIdx, row, float32(samples) / float32(p.ctx.Rate)
}

func (p *XM64Player) stopVoices() {
	for i := 0; i < p.NumChannels(); i++ {
		p.mixer.Voice(p.firstVoice + i).Stop()
	}
	p.playing = false
	p.mu.Lock()
	p.stopRequested = false
	p.mu.Unlock()
}

// tick runs in the mixer context once per engine tick: it syncs the
// effect processor with the mixer, applies pending stop and seek
// requests, steps the engine and pushes the per-channel parameters to
// the voices.
func (p *XM64Player) tick() int {
	ctx := p.ctx

	// Sample the mixer positions back into the engine so the effect
	// processor stays in sync with actual playback.
	for i := range ctx.Channels {
		v := p.mixer.Voice(p.firstVoice + i)
		if v.Playing() {
			ctx.Channels[i].SamplePosition = v.Pos()
		}
	}

	p.mu.Lock()
	stop := p.stopRequested
	seekPat, seekRow, seekTick := p.seekPatIdx, p.seekRow, p.seekTick
	p.seekPatIdx = -1
	p.mu.Unlock()

	if stop {
		p.stopVoices()
		return 0
	}

	if seekPat >= 0 {
		ctx.Seek(uint8(seekPat), uint8(seekRow), uint16(seekTick))
		for i := range ctx.Channels {
			ctx.Channels[i].SamplePosition = 0
		}
		// Silence everything so stale samples do not replay.
		for i := 0; i < p.NumChannels(); i++ {
			p.mixer.Voice(p.firstVoice + i).Stop()
		}
	}

	delay := ctx.Advance()

	if !p.looping && ctx.LoopCount() > 0 {
		p.stopVoices()
		return 0
	}

	gvol := ctx.GlobalVolume * ctx.Amplification
	for i := range ctx.Channels {
		ch := &ctx.Channels[i]
		v := p.mixer.Voice(p.firstVoice + i)

		if ch.Sample == nil || ch.SamplePosition < 0 {
			v.Stop()
			continue
		}
		w := ch.Sample.Wave.(*Wav64)

		// User-level muting, exposed for debugging.
		muted := ch.Muted || ch.Instrument.Muted

		// Triggers are detected passively: explicit key-on handling is
		// complex in XM, so just start the waveform when it is not the
		// one playing.
		if v.PlayingWaveform() != &w.Wave {
			w.Play(v)
		}

		v.SetPos(ch.SamplePosition)
		v.SetFreq(ch.Frequency)
		if muted {
			v.SetVolume(0, 0)
		} else {
			v.SetVolume(gvol*ch.ActualVolume[0], gvol*ch.ActualVolume[1])
		}
	}

	return delay
}

// Close stops playback, closes every instrument waveform and releases
// the module file.
func (p *XM64Player) Close() error {
	if p.playing {
		p.mixer.RemoveEvent(p.event)
		p.event = nil
		p.playing = false
	}

	for i := 0; i < p.NumChannels(); i++ {
		v := p.mixer.Voice(p.firstVoice + i)
		v.Stop()
		v.SetLimits(0)
	}

	p.closeWaves()

	var err error
	if p.file != nil {
		err = p.file.Close()
		p.file = nil
	}
	p.ctx = nil
	return err
}

func (p *XM64Player) closeWaves() {
	for _, w := range p.waves {
		w.Close()
	}
	p.waves = nil
}
