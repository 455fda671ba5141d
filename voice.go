// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"fmt"
	"math"
	"sync"
)

// defaultVoiceBuffer is the per-voice sample buffer size in bytes when
// no explicit limit is configured.
const defaultVoiceBuffer = 4096

// EventCallback is a periodic mixer event. It returns the number of
// output samples until it should fire again, or 0 to cancel itself.
type EventCallback func() int

// Event is the handle of a scheduled mixer event.
type Event struct {
	cb    EventCallback
	delay int64 // samples until due, relative to mixer clock
}

// Mixer hosts a bank of voices and the sample-rate event clock. The
// final resampling and summation across voices belongs to the platform
// mixer and is not performed here; this type carries the voice-side
// state that such a mixer consumes, plus the event scheduling the
// tracker player relies on.
type Mixer struct {
	mu     sync.Mutex
	rate   int
	voices []Voice
	events []*Event
	clock  int64 // total samples elapsed
}

// NewMixer creates a mixer with nvoices voices at the given output
// sample rate.
func NewMixer(rate, nvoices int) *Mixer {
	m := &Mixer{rate: rate, voices: make([]Voice, nvoices)}
	for i := range m.voices {
		m.voices[i].mixer = m
	}
	return m
}

// Rate returns the output sample rate in Hz.
func (m *Mixer) Rate() int { return m.rate }

// NumVoices returns the number of voices.
func (m *Mixer) NumVoices() int { return len(m.voices) }

// Voice returns voice ch.
func (m *Mixer) Voice(ch int) *Voice { return &m.voices[ch] }

// AddEvent schedules cb to fire after delay samples.
func (m *Mixer) AddEvent(delay int64, cb EventCallback) *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := &Event{cb: cb, delay: delay}
	m.events = append(m.events, ev)
	return ev
}

// RemoveEvent cancels a scheduled event.
func (m *Mixer) RemoveEvent(ev *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e == ev {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return
		}
	}
}

// Poll advances the event clock by nsamples output samples, firing any
// events falling due. Events fire in order and at exact sample
// positions, so player ticks land precisely even when nsamples spans
// several ticks.
func (m *Mixer) Poll(nsamples int) {
	remaining := int64(nsamples)
	for remaining > 0 {
		m.mu.Lock()
		step := remaining
		for _, ev := range m.events {
			if ev.delay < step {
				step = ev.delay
			}
		}
		if step < 0 {
			step = 0
		}
		due := make([]*Event, 0, len(m.events))
		for _, ev := range m.events {
			ev.delay -= step
			if ev.delay <= 0 {
				due = append(due, ev)
			}
		}
		m.mu.Unlock()

		m.clock += step
		remaining -= step

		for _, ev := range due {
			next := ev.cb()
			if next <= 0 {
				m.RemoveEvent(ev)
				continue
			}
			ev.delay = int64(next)
		}
	}
}

// Voice is a single sample producer: it owns one sample buffer and at
// most one active waveform, and carries the playback parameters the
// platform mixer reads when resampling.
type Voice struct {
	mixer    *Mixer
	sbuf     SampleBuffer
	wave     *Waveform
	pos      float64 // playback position in frames
	freq     float32 // playback frequency in Hz
	volume   [2]float32
	bufLimit int // max sample buffer size in frames; 0 = default
}

// Play starts producing samples from wave at position 0, replacing any
// waveform previously bound to the voice.
func (v *Voice) Play(wave *Waveform) {
	if wave.Read == nil {
		panic("audio64: waveform has no read callback")
	}
	v.Stop()

	bits := wave.Bits * wave.Channels
	frames := v.bufLimit
	if frames == 0 {
		frames = defaultVoiceBuffer >> wave.frameShift()
	}
	nbytes := frames << wave.frameShift()

	// Rebind the buffer only when the current one cannot serve the new
	// waveform; voices are reused across waveforms.
	stateSize := wave.StateSize
	if !v.sbuf.Inited() || v.sbuf.mem.Len() < nbytes+stateSize || v.sbuf.stateSize < stateSize {
		v.sbuf.Init(NewRegion(nbytes+alignUp(stateSize, 16)), alignUp(stateSize, 16))
	} else {
		v.sbuf.Flush()
	}
	v.sbuf.SetBitsPerSample(bits)
	v.sbuf.SetWaveform(wave, wave.Read)

	v.wave = wave
	v.pos = 0
	v.freq = wave.Frequency
	if wave.Start != nil {
		wave.Start(&v.sbuf)
	}
}

// Stop halts playback and unbinds the waveform.
func (v *Voice) Stop() {
	if v.wave == nil {
		return
	}
	v.wave = nil
	if v.sbuf.Inited() {
		v.sbuf.Flush()
		v.sbuf.wave = nil
		v.sbuf.read = nil
	}
	v.pos = 0
}

// Playing reports whether a waveform is bound to the voice.
func (v *Voice) Playing() bool { return v.wave != nil }

// PlayingWaveform returns the currently playing waveform, or nil.
func (v *Voice) PlayingWaveform() *Waveform { return v.wave }

// Buffer returns the voice's sample buffer.
func (v *Voice) Buffer() *SampleBuffer { return &v.sbuf }

// SetFreq sets the playback frequency in Hz.
func (v *Voice) SetFreq(freq float32) { v.freq = freq }

// Freq returns the playback frequency in Hz.
func (v *Voice) Freq() float32 { return v.freq }

// SetVolume sets the left and right playback volumes.
func (v *Voice) SetVolume(left, right float32) { v.volume = [2]float32{left, right} }

// Volume returns the left and right playback volumes.
func (v *Voice) Volume() (left, right float32) { return v.volume[0], v.volume[1] }

// SetPos moves the playback position, in frames.
func (v *Voice) SetPos(pos float64) {
	if math.IsNaN(pos) || pos < 0 {
		panic(fmt.Sprintf("audio64: invalid voice position: %f", pos))
	}
	v.pos = pos
}

// Pos returns the playback position in frames.
func (v *Voice) Pos() float64 { return v.pos }

// SetLimits caps the size of the streaming sample buffer for this
// voice, in frames. Tracker modules record the worst case per channel
// at build time to keep memory bounded.
func (v *Voice) SetLimits(maxBufFrames int) { v.bufLimit = maxBufFrames }

// Fetch returns wlen frames starting at the current integer playback
// position, decoding through the waveform as needed, and the number of
// frames actually available. The platform mixer calls this once per
// output quantum.
func (v *Voice) Fetch(wlen int) ([]byte, int) {
	if v.wave == nil {
		return nil, 0
	}

	wpos := int(v.pos)
	if v.wave.Looping() && wpos >= v.wave.Length {
		loop := v.wave.LoopLength
		wpos = v.wave.LoopStart() + (wpos-v.wave.LoopStart())%loop
		v.pos = float64(wpos) + (v.pos - math.Floor(v.pos))
	}
	data, n := v.sbuf.Get(wpos, wlen)

	// Codecs may still have decode work in flight on the coprocessor
	// queue; all appends must be visible before the samples are read.
	decodeQueue.Sync()
	return data, n
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
