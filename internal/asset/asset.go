// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package asset implements the compressed block container shared by
// the asset formats: a small header followed by either stored bytes or
// an LZ stream whose match lengths and distances are exp-Golomb coded,
// MSB-first.
package asset

import (
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/icza/bitio"
)

const (
	magic = "CMP1"

	// LevelStored keeps the payload uncompressed.
	LevelStored = 0
	// LevelLZ is the LZ77 scheme with exp-Golomb coded tokens.
	LevelLZ = 1

	minMatch   = 3
	maxMatch   = 258
	windowSize = 4096

	kLen  = 2 // exp-Golomb order for match lengths
	kDist = 2 // exp-Golomb order for match distances
)

// ErrCorrupt is returned when a block fails to parse.
var ErrCorrupt = errors.New("asset: corrupted compressed block")

// Decompress reads one compressed block from r and returns its
// payload.
func Decompress(r io.Reader) ([]byte, error) {
	var head [9]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("asset: read header: %w", err)
	}
	if string(head[:4]) != magic {
		return nil, ErrCorrupt
	}
	level := head[4]
	size := int(head[5])<<24 | int(head[6])<<16 | int(head[7])<<8 | int(head[8])

	out := make([]byte, size)
	switch level {
	case LevelStored:
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("asset: read stored block: %w", err)
		}
		return out, nil

	case LevelLZ:
		br := bitio.NewReader(r)
		pos := 0
		for pos < size {
			flag, err := br.ReadBool()
			if err != nil {
				return nil, fmt.Errorf("asset: %w", err)
			}
			if flag {
				b, err := br.ReadBits(8)
				if err != nil {
					return nil, fmt.Errorf("asset: %w", err)
				}
				out[pos] = byte(b)
				pos++
				continue
			}

			dist, err := readExpGolomb(br, kDist)
			if err != nil {
				return nil, fmt.Errorf("asset: %w", err)
			}
			length, err := readExpGolomb(br, kLen)
			if err != nil {
				return nil, fmt.Errorf("asset: %w", err)
			}
			dist++
			length += minMatch
			if dist > pos || pos+length > size {
				return nil, ErrCorrupt
			}
			for i := 0; i < length; i++ {
				out[pos] = out[pos-dist]
				pos++
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("asset: unknown compression level %d: %w", level, ErrCorrupt)
	}
}

// Compress writes data as one compressed block at the given level.
func Compress(w io.Writer, data []byte, level int) error {
	head := []byte(magic)
	head = append(head, byte(level),
		byte(len(data)>>24), byte(len(data)>>16), byte(len(data)>>8), byte(len(data)))
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("asset: write header: %w", err)
	}

	switch level {
	case LevelStored:
		_, err := w.Write(data)
		return err

	case LevelLZ:
		bw := bitio.NewWriter(w)
		pos := 0
		for pos < len(data) {
			dist, length := findMatch(data, pos)
			if length >= minMatch {
				if err := bw.WriteBool(false); err != nil {
					return err
				}
				if err := writeExpGolomb(bw, dist-1, kDist); err != nil {
					return err
				}
				if err := writeExpGolomb(bw, length-minMatch, kLen); err != nil {
					return err
				}
				pos += length
				continue
			}
			if err := bw.WriteBool(true); err != nil {
				return err
			}
			if err := bw.WriteBits(uint64(data[pos]), 8); err != nil {
				return err
			}
			pos++
		}
		return bw.Close()

	default:
		return fmt.Errorf("asset: unknown compression level %d", level)
	}
}

// findMatch performs a greedy backwards window scan for the longest
// match at pos.
func findMatch(data []byte, pos int) (dist, length int) {
	start := pos - windowSize
	if start < 0 {
		start = 0
	}
	for cand := pos - 1; cand >= start; cand-- {
		n := 0
		for pos+n < len(data) && n < maxMatch && data[cand+n] == data[pos+n] {
			n++
		}
		if n > length {
			dist, length = pos-cand, n
		}
	}
	return dist, length
}

// Exp-Golomb codes of order k: the value's high part n>>k is gamma
// coded (unary zero prefix plus binary), followed by the k low bits.

func writeExpGolomb(w *bitio.Writer, n, k int) error {
	high := uint64(n>>k) + 1
	width := uint8(bits.Len64(high))
	if err := w.WriteBits(0, width-1); err != nil {
		return err
	}
	if err := w.WriteBits(high, width); err != nil {
		return err
	}
	return w.WriteBits(uint64(n)&(1<<k-1), uint8(k))
}

func readExpGolomb(r *bitio.Reader, k int) (int, error) {
	zeros := 0
	for {
		b, err := r.ReadBool()
		if err != nil {
			return 0, err
		}
		if b {
			break
		}
		zeros++
	}
	high := uint64(1)
	if zeros > 0 {
		rest, err := r.ReadBits(uint8(zeros))
		if err != nil {
			return 0, err
		}
		high = high<<zeros | rest
	}
	low := uint64(0)
	if k > 0 {
		var err error
		low, err = r.ReadBits(uint8(k))
		if err != nil {
			return 0, err
		}
	}
	return int(high-1)<<k | int(low), nil
}
