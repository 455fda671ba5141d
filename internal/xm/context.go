// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package xm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kelindar/audio64/internal/asset"
	"github.com/kelindar/audio64/internal/binout"
)

const (
	moduleNameLength     = 20
	trackerNameLength    = 20
	instrumentNameLength = 22
	patternSlotBytes     = 5
)

// ErrCorruptModule is returned when the serialized module fails to
// parse.
var ErrCorruptModule = errors.New("xm: corrupted module metadata")

// Context is a playing instance of a module: static song data plus all
// mutable playback state. Patterns are streamed: only the currently
// playing pattern is resident, decompressed into a scratch buffer
// sized at build time for the largest pattern.
type Context struct {
	Module Module
	Rate   uint32 // output sample rate used for tick timing

	// Memory sizes computed by the asset converter at build time.
	CtxSize          uint32
	AllPatternsSize  uint32
	AllSamplesSize   uint32
	StreamPatternBuf uint32
	StreamSampleBuf  [MaxChannels]uint32

	// ExternalSamples is set when sample WAV64s live in separate
	// files referenced by name hash instead of being embedded.
	ExternalSamples bool

	Channels []Channel

	// PatternSource provides the compressed pattern blocks.
	PatternSource io.ReaderAt

	Tempo         uint16
	BPM           uint16
	GlobalVolume  float32
	Amplification float32

	currentTableIndex uint8
	currentRow        uint8
	currentTick       uint16
	extraTicks        uint16
	playedTableIndex  uint8
	playedRow         uint8

	remainingSamplesInTick float64
	generatedSamples       uint64

	positionJump bool
	patternBreak bool
	jumpDest     uint8
	jumpRow      uint8

	loopCount    uint8
	maxLoopCount uint8
	rowLoopCount []uint8

	slotBuffer      []PatternSlot
	slotBufferIndex int

	effectCallback EffectCallback
	randState      uint32
}

// Load parses the serialized module metadata (already decompressed)
// and prepares a playing context. patterns provides random access to
// the compressed pattern blocks, typically the module file itself.
func Load(meta io.Reader, patterns io.ReaderAt, rate uint32) (*Context, error) {
	ctx := &Context{
		Rate:          rate,
		PatternSource: patterns,
		GlobalVolume:  1,
		Amplification: 0.25,
		randState:     24492,
	}
	r := binout.NewReader(meta)

	ctx.CtxSize = r.Read32()
	ctx.AllPatternsSize = r.Read32()
	ctx.AllSamplesSize = r.Read32()
	ctx.StreamPatternBuf = r.Read32()
	for i := range ctx.StreamSampleBuf {
		ctx.StreamSampleBuf[i] = r.Read32()
	}

	mod := &ctx.Module
	mod.Tempo = r.Read16()
	mod.BPM = r.Read16()
	mod.Name = r.ReadString(moduleNameLength + 1)
	mod.TrackerName = r.ReadString(trackerNameLength + 1)
	mod.Length = r.Read16()
	mod.RestartPos = r.Read16()
	mod.NumChannels = r.Read16()
	mod.NumPatterns = r.Read16()
	mod.NumInstruments = r.Read16()
	mod.Frequencies = FrequencyType(r.Read32())
	r.ReadBytes(mod.PatternTable[:])

	if mod.NumChannels == 0 || mod.NumChannels > MaxChannels || mod.Length > MaxPatterns {
		return nil, ErrCorruptModule
	}

	mod.Patterns = make([]Pattern, mod.NumPatterns)
	for i := range mod.Patterns {
		p := &mod.Patterns[i]
		p.NumRows = r.Read16()
		p.SlotsOffset = r.Read32()
		p.SlotsSize = r.Read16()
		if p.NumRows > MaxRows {
			return nil, ErrCorruptModule
		}
	}

	mod.Instruments = make([]Instrument, mod.NumInstruments)
	for i := range mod.Instruments {
		if err := loadInstrument(r, &mod.Instruments[i]); err != nil {
			return nil, err
		}
	}

	ctx.ExternalSamples = r.Read8() != 0
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("xm: parse module: %w", err)
	}

	ctx.Tempo = mod.Tempo
	ctx.BPM = mod.BPM
	ctx.slotBufferIndex = -1
	ctx.slotBuffer = make([]PatternSlot, int(ctx.StreamPatternBuf)/patternSlotBytes)
	ctx.rowLoopCount = make([]uint8, int(mod.Length)*MaxRows)

	ctx.Channels = make([]Channel, mod.NumChannels)
	for i := range ctx.Channels {
		ch := &ctx.Channels[i]
		ch.Ping = true
		ch.VibratoWaveform = SineWaveform
		ch.VibratoWaveformRetrig = true
		ch.TremoloWaveform = SineWaveform
		ch.TremoloWaveformRetrig = true
		ch.Volume = 1
		ch.VolumeEnvVolume = 1
		ch.FadeoutVolume = 1
		ch.Panning = 0.5
		ch.PanningEnvPanning = 0.5
	}
	return ctx, nil
}

func loadEnvelope(r *binout.Reader, env *Envelope) error {
	env.NumPoints = r.Read8()
	if env.NumPoints > MaxEnvelopePoints {
		return ErrCorruptModule
	}
	for j := 0; j < int(env.NumPoints); j++ {
		env.Points[j].Frame = r.Read16()
		env.Points[j].Value = r.Read16()
	}
	env.SustainPoint = r.Read8()
	env.LoopStartPoint = r.Read8()
	env.LoopEndPoint = r.Read8()
	env.Enabled = r.ReadBool()
	env.SustainEnabled = r.ReadBool()
	env.LoopEnabled = r.ReadBool()
	return nil
}

func loadInstrument(r *binout.Reader, ins *Instrument) error {
	ins.Name = r.ReadString(instrumentNameLength + 1)
	r.ReadBytes(ins.SampleOfNotes[:])

	if err := loadEnvelope(r, &ins.VolumeEnv); err != nil {
		return err
	}
	if err := loadEnvelope(r, &ins.PanningEnv); err != nil {
		return err
	}

	ins.VibratoType = WaveformType(r.Read32())
	ins.VibratoSweep = r.Read8()
	ins.VibratoDepth = r.Read8()
	ins.VibratoRate = r.Read8()
	ins.VolumeFadeout = r.Read16()
	ins.LatestTrigger = r.Read64()

	numSamples := int(r.Read16())
	ins.Samples = make([]Sample, numSamples)
	for j := range ins.Samples {
		s := &ins.Samples[j]
		s.Bits = r.Read8()
		s.Length = r.Read32()
		s.LoopStart = r.Read32()
		s.LoopLength = r.Read32()
		s.LoopEnd = r.Read32()
		s.Volume = r.ReadFloat32()
		s.Finetune = int8(r.Read8())
		s.LoopType = LoopType(r.Read32())
		s.Panning = r.ReadFloat32()
		s.RelativeNote = int8(r.Read8())
		s.DataOffset = r.Read32()
	}
	return nil
}

// slots loads the pattern's rows into the scratch buffer if it is not
// resident and returns the slot at (row, channel).
func (ctx *Context) slots(pattern, row, channel int) *PatternSlot {
	if ctx.slotBufferIndex != pattern {
		if err := ctx.fetchPattern(pattern); err != nil {
			panic(fmt.Sprintf("audio64: xm pattern %d: %v", pattern, err))
		}
	}
	return &ctx.slotBuffer[row*int(ctx.Module.NumChannels)+channel]
}

func (ctx *Context) fetchPattern(pattern int) error {
	p := &ctx.Module.Patterns[pattern]
	comp := make([]byte, p.SlotsSize)
	if _, err := ctx.PatternSource.ReadAt(comp, int64(p.SlotsOffset)); err != nil {
		return err
	}
	raw, err := asset.Decompress(bytes.NewReader(comp))
	if err != nil {
		return err
	}

	want := int(p.NumRows) * int(ctx.Module.NumChannels)
	if len(raw) != want*patternSlotBytes {
		return fmt.Errorf("pattern size %d, want %d: %w", len(raw), want*patternSlotBytes, ErrCorruptModule)
	}
	if want > len(ctx.slotBuffer) {
		return fmt.Errorf("pattern larger than stream buffer: %w", ErrCorruptModule)
	}
	for i := 0; i < want; i++ {
		ctx.slotBuffer[i] = PatternSlot{
			Note:         raw[i*patternSlotBytes],
			Instrument:   raw[i*patternSlotBytes+1],
			VolumeColumn: raw[i*patternSlotBytes+2],
			EffectType:   raw[i*patternSlotBytes+3],
			EffectParam:  raw[i*patternSlotBytes+4],
		}
	}
	ctx.slotBufferIndex = pattern
	return nil
}

// Seek moves playback to the given pattern-table position, row and
// tick. The next Tick resumes from there.
func (ctx *Context) Seek(pot, row uint8, tick uint16) {
	ctx.currentTableIndex = pot
	ctx.currentRow = row
	ctx.currentTick = tick
	ctx.remainingSamplesInTick = 0
}

// Position reports the pattern-table index and row currently playing
// (the last row dispatched to the channels), the pattern it belongs
// to, and total generated samples.
func (ctx *Context) Position() (tableIndex, pattern, row uint8, samples uint64) {
	return ctx.playedTableIndex,
		ctx.Module.PatternTable[ctx.playedTableIndex],
		ctx.playedRow,
		ctx.generatedSamples
}

// LoopCount returns how many times the module wrapped around its
// pattern table.
func (ctx *Context) LoopCount() uint8 { return ctx.loopCount }

// SetMaxLoopCount stores a loop cap (0 means none). Advance does not
// consult it: playback continues past any loop count.
func (ctx *Context) SetMaxLoopCount(n uint8) { ctx.maxLoopCount = n }

// MuteChannel mutes or unmutes a channel (1-based), returning the
// previous state.
func (ctx *Context) MuteChannel(channel uint16, mute bool) bool {
	old := ctx.Channels[channel-1].Muted
	ctx.Channels[channel-1].Muted = mute
	return old
}

// MuteInstrument mutes or unmutes an instrument (1-based), returning
// the previous state.
func (ctx *Context) MuteInstrument(instr uint16, mute bool) bool {
	old := ctx.Module.Instruments[instr-1].Muted
	ctx.Module.Instruments[instr-1].Muted = mute
	return old
}

// SetEffectCallback registers an observer for dispatched effects.
func (ctx *Context) SetEffectCallback(cb EffectCallback) { ctx.effectCallback = cb }
