// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Command audio64 inspects WAV64 and XM64 assets and exports WAV64
// assets as WAV files.
//
//	audio64 info music.xm64
//	audio64 info --opus jingle.wav64
//	audio64 export jingle.wav64 jingle.wav
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/kelindar/audio64"
)

func main() {
	opus := pflag.Bool("opus", false, "enable the Opus-Custom codec")
	verbose := pflag.BoolP("verbose", "v", false, "verbose output")
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: audio64 <info|export> <asset> [output.wav]")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *opus {
		audio64.EnableOpus()
	}

	args := pflag.Args()
	if len(args) < 2 {
		pflag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "info":
		if err := info(args[1]); err != nil {
			log.Fatal("info failed", "file", args[1], "err", err)
		}
	case "export":
		if len(args) < 3 {
			pflag.Usage()
			os.Exit(2)
		}
		if err := export(args[1], args[2]); err != nil {
			log.Fatal("export failed", "file", args[1], "err", err)
		}
	default:
		pflag.Usage()
		os.Exit(2)
	}
}

func info(path string) error {
	if strings.HasSuffix(path, ".xm64") {
		return infoXM64(path)
	}

	w, err := audio64.Open(path)
	if err != nil {
		return err
	}
	defer w.Close()

	log.Info("wav64",
		"channels", w.Wave.Channels,
		"bits", w.Wave.Bits,
		"frequency", w.Wave.Frequency,
		"frames", w.Wave.Length,
		"loop", w.Wave.LoopLength,
		"bitrate", w.Bitrate())
	return nil
}

func infoXM64(path string) error {
	m := audio64.NewMixer(44100, 32)
	p, err := audio64.OpenXM64(m, path)
	if err != nil {
		return err
	}
	defer p.Close()

	log.Info("xm64", "channels", p.NumChannels())
	return nil
}

// export decodes a WAV64 fully and writes it as a standard PCM WAV.
func export(path, out string) error {
	w, err := audio64.Load(path, audio64.WithPreload())
	if err != nil {
		return err
	}
	defer w.Close()

	m := audio64.NewMixer(int(w.Wave.Frequency), 1)
	voice := m.Voice(0)
	voice.SetLimits(w.Wave.Length + 64)
	w.Play(voice)

	data, n := voice.Fetch(w.Wave.Length)
	log.Debug("decoded", "frames", n)

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(wavHeader(len(data), int(w.Wave.Frequency), w.Wave.Channels, w.Wave.Bits)); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// wavHeader returns a standard PCM WAV header for the given layout.
func wavHeader(dataLen, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign
	chunkSize := 36 + dataLen

	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	putLE32(header[4:], uint32(chunkSize))
	copy(header[8:], "WAVEfmt ")
	header[16] = 16 // Subchunk1Size for PCM
	header[20] = 1  // AudioFormat PCM
	header[22] = byte(channels)
	putLE32(header[24:], uint32(sampleRate))
	putLE32(header[28:], uint32(byteRate))
	header[32] = byte(blockAlign)
	header[34] = byte(bitsPerSample)
	copy(header[36:], "data")
	putLE32(header[40:], uint32(dataLen))
	return header
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
