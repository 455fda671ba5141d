// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package xm implements the FastTracker II module engine used by the
// XM64 player: module data model, streamed pattern storage and the
// per-tick effect processor. The engine computes per-channel frequency,
// volume and panning; it never touches sample data itself, the player
// maps channels onto mixer voices.
package xm

const (
	// MaxChannels is the most channels a module may declare.
	MaxChannels = 32
	// MaxNotes is the number of playable notes.
	MaxNotes = 96
	// MaxEnvelopePoints is the capacity of an envelope.
	MaxEnvelopePoints = 12
	// MaxRows is the largest pattern height.
	MaxRows = 256
	// MaxPatterns is the pattern table capacity.
	MaxPatterns = 256

	// NoteKeyOff is the note value that releases the playing note.
	NoteKeyOff = 97

	sampleRateScale = 0.4 // samples per tick = rate / (bpm * scale)
)

// FrequencyType selects how periods map to frequencies.
type FrequencyType uint32

const (
	// LinearFrequencies is the FT2 linear frequency table.
	LinearFrequencies FrequencyType = iota
	// AmigaFrequencies is the classic Amiga period table.
	AmigaFrequencies
)

// LoopType describes sample looping. Ping-pong loops are unrolled into
// forward loops at asset build time, so the engine only ever sees
// these at load.
type LoopType uint32

const (
	NoLoop LoopType = iota
	ForwardLoop
	PingPongLoop
)

// WaveformType selects the vibrato/tremolo table.
type WaveformType uint8

const (
	SineWaveform WaveformType = iota
	RampDownWaveform
	SquareWaveform
	RandomWaveform
	RampUpWaveform
)

// Module is the static description of a song.
type Module struct {
	Name           string
	TrackerName    string
	Length         uint16 // slots used in the pattern table
	RestartPos     uint16
	NumChannels    uint16
	NumPatterns    uint16
	NumInstruments uint16
	Frequencies    FrequencyType
	PatternTable   [MaxPatterns]uint8
	Patterns       []Pattern
	Instruments    []Instrument
	Tempo          uint16 // default ticks per row
	BPM            uint16
}

// Pattern locates the compressed slot data of one pattern inside the
// asset; only the playing pattern is resident in memory.
type Pattern struct {
	NumRows     uint16
	SlotsOffset uint32 // byte offset of the compressed slot block
	SlotsSize   uint16 // compressed size in bytes
}

// PatternSlot is one cell of a pattern row.
type PatternSlot struct {
	Note         uint8 // 1..96, NoteKeyOff, or 0 for none
	Instrument   uint8 // 1-based, 0 for none
	VolumeColumn uint8
	EffectType   uint8
	EffectParam  uint8
}

// HasTonePortamento reports whether the slot triggers tone portamento
// rather than a retrigger.
func (s *PatternSlot) HasTonePortamento() bool {
	return s.EffectType == 3 || s.EffectType == 5 || s.VolumeColumn>>4 == 0xF
}

// HasVibrato reports whether the slot carries a vibrato command.
func (s *PatternSlot) HasVibrato() bool {
	return s.EffectType == 4 || s.EffectType == 6 || s.VolumeColumn>>4 == 0xB
}

// EnvelopePoint is one (frame, value) pair of an envelope.
type EnvelopePoint struct {
	Frame uint16
	Value uint16
}

// Envelope is a piecewise-linear volume or panning curve.
type Envelope struct {
	Points         [MaxEnvelopePoints]EnvelopePoint
	NumPoints      uint8
	SustainPoint   uint8
	LoopStartPoint uint8
	LoopEndPoint   uint8
	Enabled        bool
	SustainEnabled bool
	LoopEnabled    bool
}

// Instrument groups samples with their envelopes and autovibrato.
type Instrument struct {
	Name           string
	SampleOfNotes  [MaxNotes]uint8
	VolumeEnv      Envelope
	PanningEnv     Envelope
	VibratoType    WaveformType
	VibratoSweep   uint8
	VibratoDepth   uint8
	VibratoRate    uint8
	VolumeFadeout  uint16
	LatestTrigger  uint64
	Muted          bool
	Samples        []Sample
}

// Sample describes one instrument sample; its PCM lives in a WAV64
// referenced by DataOffset (embedded file offset, or a 32-bit name
// hash when samples are stored externally).
type Sample struct {
	Bits         uint8
	Length       uint32
	LoopStart    uint32
	LoopLength   uint32
	LoopEnd      uint32
	Volume       float32
	Finetune     int8
	LoopType     LoopType
	Panning      float32
	RelativeNote int8
	DataOffset   uint32
	LatestTrigger uint64

	// Wave is the opened waveform backing this sample; owned and set
	// by the player, opaque to the engine.
	Wave any
}

// Channel is the playing state of one module channel.
type Channel struct {
	Note      float32
	OrigNote  float32 // note as triggered, including relative note and finetune
	Instrument *Instrument
	Sample     *Sample
	Current    *PatternSlot

	SamplePosition float64
	Period         float32
	Frequency      float32
	Step           float32
	Ping           bool // ping-pong loop direction

	Volume  float32 // unenveloped volume in [0,1]
	Panning float32 // unenveloped panning in [0,1]

	AutovibratoTicks      uint16
	Sustained             bool // key-on
	VibratoInProgress     bool
	VibratoWaveform       WaveformType
	VibratoWaveformRetrig bool
	TremoloWaveform       WaveformType
	TremoloWaveformRetrig bool
	VibratoTicks          uint8
	VibratoParam          uint8
	VibratoNoteOffset     float32
	AutovibratoNoteOffset float32
	TremoloTicks          uint8
	TremoloParam          uint8
	TremoloVolume         float32
	TremorParam           uint8
	TremorOn              bool
	TremorTicks           uint8

	PatternLoopOrigin uint8
	PatternLoopCount  uint8

	ArpInProgress bool
	ArpNoteOffset uint8

	VolumeSlideParam        uint8
	FineVolumeSlideParam    uint8
	GlobalVolumeSlideParam  uint8
	PanningSlideParam       uint8
	PortamentoUpParam       uint8
	PortamentoDownParam     uint8
	FinePortamentoUpParam   uint8
	FinePortamentoDownParam uint8
	ExtraFinePortaUpParam   uint8
	ExtraFinePortaDownParam uint8
	TonePortamentoParam     uint8
	TonePortamentoTarget    float32
	MultiRetrigParam        uint8

	VolumeEnvVolume   float32
	FadeoutVolume     float32
	VolumeEnvFrame    uint16
	PanningEnvPanning float32
	PanningEnvFrame   uint16

	ActualVolume [2]float32 // final left/right volumes fed to the mixer

	Muted         bool
	LatestTrigger uint64
}

// EffectCallback observes every effect dispatched by the engine.
type EffectCallback func(channel, effectType, effectParam uint8)
