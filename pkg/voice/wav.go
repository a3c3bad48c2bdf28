package voice

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// wavHeaderSize is the canonical PCM WAV header length.
const wavHeaderSize = 44

// WAVInfo holds the fields read from a PCM WAV header.
type WAVInfo struct {
	SampleRateHz int           `json:"sample_rate_hz"`
	Channels     int           `json:"channels"`
	Duration     time.Duration `json:"duration"`
}

// ParseWAV reads format and duration from raw 16-bit PCM WAV bytes.
func ParseWAV(data []byte) (WAVInfo, error) {
	if len(data) < wavHeaderSize {
		return WAVInfo{}, fmt.Errorf("wav data too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("not a RIFF/WAVE file")
	}

	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	rate := int(binary.LittleEndian.Uint32(data[24:28]))
	if channels == 0 || rate == 0 {
		return WAVInfo{}, fmt.Errorf("invalid wav format: %d channels at %dHz", channels, rate)
	}

	samples := (len(data) - wavHeaderSize) / (channels * 2)
	duration := time.Duration(samples) * time.Second / time.Duration(rate)

	return WAVInfo{
		SampleRateHz: rate,
		Channels:     channels,
		Duration:     duration,
	}, nil
}

// ProbeWAV reads a WAV file from the filesystem and parses its header.
func ProbeWAV(fs afero.Fs, path string) (WAVInfo, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("reading %s: %w", path, err)
	}

	return ParseWAV(data)
}
