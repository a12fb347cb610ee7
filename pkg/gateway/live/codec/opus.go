// Package codec decodes inbound opus frames to PCM before they are fed to a
// streaming recognition vendor. Vendors consume raw little-endian s16 PCM;
// devices send opus-encoded 60 ms packets.
package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Decoder converts opus packets to PCM bytes. Implementations are owned by a
// single session and are not safe for concurrent use.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// OpusDecoder decodes 16 kHz mono opus packets, one 60 ms frame per call.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoder builds a decoder for the given sample rate and channel
// count. frameDurationMS bounds the PCM buffer per packet.
func NewOpusDecoder(sampleRateHz, channels, frameDurationMS int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRateHz, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	samples := sampleRateHz * frameDurationMS / 1000 * channels
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, samples),
	}, nil
}

// Decode returns the PCM payload of one opus packet as little-endian s16
// bytes. The returned slice is freshly allocated per call.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decode opus packet: %w", err)
	}
	samples := n * d.channels
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[i*2] = byte(d.pcm[i])
		out[i*2+1] = byte(d.pcm[i] >> 8)
	}
	return out, nil
}
