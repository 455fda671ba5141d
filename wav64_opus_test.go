// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package audio64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// opusImage builds a WAV64 header with the Opus extension and no
// payload; enough to exercise dispatch and extension parsing.
func opusImage(frameSize, maxFrame, bitrate int) []byte {
	var b beBuf
	b.raw([]byte("WV64"))
	b.u8(4)
	b.u8(FormatOpus)
	b.u8(1)
	b.u8(16)
	b.u32(32000)
	b.u32(uint32(frameSize * 4))
	b.u32(0)
	b.u32(28 + 16) // header + extension
	b.u32(0)

	b.u32(uint32(frameSize))
	b.u32(uint32(maxFrame))
	b.u32(uint32(bitrate))
	b.u32(0) // runtime decoder pointer
	return b.b
}

func TestOpus_RequiresOptIn(t *testing.T) {
	saved := wav64Codecs[FormatOpus]
	wav64Codecs[FormatOpus] = nil
	defer func() { wav64Codecs[FormatOpus] = saved }()

	path := writeFixture(t, "locked.wav64", opusImage(640, 1024, 96000))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCodecDisabled)
}

func TestOpus_OpenAndBitrate(t *testing.T) {
	EnableOpus()
	path := writeFixture(t, "opus.wav64", opusImage(640, 1024, 96000))

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 96000, w.Bitrate())
	assert.NotNil(t, w.Wave.Start, "opus waveforms need a start hook")
	assert.NotNil(t, w.Wave.Read)
}

func TestOpus_BadExtension(t *testing.T) {
	EnableOpus()
	img := opusImage(0, 1024, 96000) // zero frame size
	path := writeFixture(t, "badopus.wav64", img)

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}
