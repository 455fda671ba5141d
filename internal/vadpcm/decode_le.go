// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package vadpcm

import "encoding/binary"

// DecodeLE decodes mono frames from src directly into a little-endian
// byte destination. It proceeds one frame at a time, fully consuming a
// frame's 9 source bytes before emitting its 32 output bytes, which
// makes it safe to run in place with src at the tail of dst: the write
// cursor catches up with the read cursor only after the final frame.
func DecodeLE(book *Codebook, state *Vector, dst, src []byte, frameCount int) error {
	var samples [FrameSamples]int16
	for frame := 0; frame < frameCount; frame++ {
		if err := Decode(book, state, samples[:], src[FrameBytes*frame:], 1); err != nil {
			return err
		}
		out := dst[frame*FrameSamples*2:]
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
		}
	}
	return nil
}

// DecodeStereoLE is DecodeLE for interleaved stereo frame pairs: 18
// source bytes and 64 output bytes per frame pair.
func DecodeStereoLE(book *Codebook, state *[2]Vector, dst, src []byte, frameCount int) error {
	half := len(book.Vectors) / 2
	books := [2]Codebook{
		{Predictors: book.Predictors, Order: book.Order, Vectors: book.Vectors[:half]},
		{Predictors: book.Predictors, Order: book.Order, Vectors: book.Vectors[half:]},
	}

	var uncomp [2][FrameSamples]int16
	for frame := 0; frame < frameCount; frame++ {
		for j := 0; j < 2; j++ {
			if err := Decode(&books[j], &state[j], uncomp[j][:], src[FrameBytes*(2*frame+j):], 1); err != nil {
				return err
			}
		}
		out := dst[frame*FrameSamples*4:]
		for i := 0; i < FrameSamples; i++ {
			binary.LittleEndian.PutUint16(out[4*i:], uint16(uncomp[0][i]))
			binary.LittleEndian.PutUint16(out[4*i+2:], uint16(uncomp[1][i]))
		}
	}
	return nil
}
