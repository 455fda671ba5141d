// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package vadpcm implements the VADPCM predictive codec: 9-byte frames
// of 16 samples each, decoded against a codebook of predictor vectors
// selected per frame. An optional Huffman overlay compresses the nibble
// stream of each frame (see huffman.go).
package vadpcm

import (
	"errors"
	"fmt"
)

const (
	// FrameBytes is the compressed size of one mono frame.
	FrameBytes = 9
	// FrameSamples is the number of samples decoded from one frame.
	FrameSamples = 16
	// MaxPredictors is the largest codebook predictor count.
	MaxPredictors = 16
)

// Vector is a group of eight samples, the unit of prediction.
type Vector [8]int16

// Errors returned by the decoder.
var (
	ErrInvalidData = errors.New("vadpcm: invalid data")
	ErrLargeOrder  = errors.New("vadpcm: predictor order too large")
	ErrLargeCount  = errors.New("vadpcm: predictor count too large")
)

// Codebook holds the predictor vectors of a stream: Predictors groups
// of Order vectors each. A stereo stream carries two codebooks, one per
// channel, stored back to back.
type Codebook struct {
	Predictors int
	Order      int
	Vectors    []Vector // Predictors × Order entries
}

// Validate checks the codebook shape.
func (c *Codebook) Validate() error {
	switch {
	case c.Predictors < 1 || c.Predictors > MaxPredictors:
		return ErrLargeCount
	case c.Order < 1 || c.Order > 8:
		return ErrLargeOrder
	case len(c.Vectors) < c.Predictors*c.Order:
		return fmt.Errorf("vadpcm: codebook has %d vectors, need %d", len(c.Vectors), c.Predictors*c.Order)
	}
	return nil
}

// ext4 sign-extends a 4-bit residual.
func ext4(x int32) int32 {
	if x > 7 {
		return x - 16
	}
	return x
}

// clamp16 clamps to the int16 range.
func clamp16(x int32) int32 {
	if x < -0x8000 {
		return -0x8000
	}
	if x > 0x7fff {
		return 0x7fff
	}
	return x
}

// Decode decodes frameCount mono frames from src into dst, carrying the
// previous-frame tail in state. dst must hold frameCount×16 samples and
// src frameCount×9 bytes. The output is bit-exact with the hardware
// decoder: order-k prediction from the state tail, residuals shifted by
// the per-frame scaling exponent, in-frame convolution with the last
// predictor row, then an arithmetic >>11 and clamp.
func Decode(book *Codebook, state *Vector, dst []int16, src []byte, frameCount int) error {
	for frame := 0; frame < frameCount; frame++ {
		fin := src[FrameBytes*frame:]

		// Control byte: scaling exponent and predictor selector.
		control := int32(fin[0])
		scaling := control >> 4
		predictorIndex := int(control & 15)
		if predictorIndex >= book.Predictors {
			return ErrInvalidData
		}
		predictor := book.Vectors[book.Order*predictorIndex:]

		// Each frame carries two 8-sample sub-vectors.
		for vector := 0; vector < 2; vector++ {
			var accumulator [8]int32

			// Prediction driven by the previous tail samples.
			for k := 0; k < book.Order; k++ {
				sample := int32(state[8-book.Order+k])
				for i := 0; i < 8; i++ {
					accumulator[i] += sample * int32(predictor[k][i])
				}
			}

			// Unpack the eight sign-extended 4-bit residuals.
			var residuals [8]int32
			for i := 0; i < 4; i++ {
				b := int32(fin[1+4*vector+i])
				residuals[2*i] = ext4(b >> 4)
				residuals[2*i+1] = ext4(b & 15)
			}

			// The last predictor row doubles as the in-frame
			// convolution kernel across later lanes.
			v := &predictor[book.Order-1]
			for k := 0; k < 8; k++ {
				residual := residuals[k] << uint(scaling)
				accumulator[k] += residual << 11
				for i := 0; i < 7-k; i++ {
					accumulator[k+1+i] += residual * int32(v[i])
				}
			}

			// Drop the fractional part and clamp.
			for i := 0; i < 8; i++ {
				sample := clamp16(accumulator[i] >> 11)
				dst[FrameSamples*frame+8*vector+i] = int16(sample)
				state[i] = int16(sample)
			}
		}
	}
	return nil
}

// DecodeStereo decodes frameCount stereo frame pairs from src into dst
// as interleaved samples. Each channel is an independent mono decode:
// channel 0 uses the first half of the codebook vectors, channel 1 the
// second half, and the compressed frames alternate channels.
func DecodeStereo(book *Codebook, state *[2]Vector, dst []int16, src []byte, frameCount int) error {
	half := len(book.Vectors) / 2
	books := [2]Codebook{
		{Predictors: book.Predictors, Order: book.Order, Vectors: book.Vectors[:half]},
		{Predictors: book.Predictors, Order: book.Order, Vectors: book.Vectors[half:]},
	}

	var uncomp [2][FrameSamples]int16
	for i := 0; i < frameCount; i++ {
		for j := 0; j < 2; j++ {
			if err := Decode(&books[j], &state[j], uncomp[j][:], src, 1); err != nil {
				return err
			}
			src = src[FrameBytes:]
		}
		for j := 0; j < FrameSamples; j++ {
			dst[0] = uncomp[0][j]
			dst[1] = uncomp[1][j]
			dst = dst[2:]
		}
	}
	return nil
}
