// Package codec builds the encoder selection shared by stream acquisition and
// the peer connection's media engine. It links libvpx and libopus.
package codec

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
)

// Params tune the encoders
type Params struct {
	VideoBitRate     int
	KeyFrameInterval int
	AudioBitRate     int
}

func DefaultParams() Params {
	return Params{
		VideoBitRate:     500_000,
		KeyFrameInterval: 30,
		AudioBitRate:     32_000,
	}
}

// NewSelector returns a selector encoding video as VP8 and audio as Opus
func NewSelector(p Params) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	if p.VideoBitRate > 0 {
		vpxParams.BitRate = p.VideoBitRate
	}
	if p.KeyFrameInterval > 0 {
		vpxParams.KeyFrameInterval = p.KeyFrameInterval
	}
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	if p.AudioBitRate > 0 {
		opusParams.BitRate = p.AudioBitRate
	}
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}
