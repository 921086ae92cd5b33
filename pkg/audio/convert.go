// Package audio holds PCM helpers for voice questions: WAV framing, down-mixing,
// resampling, and sample conversion for speech models.
//
// All PCM is 16-bit signed little-endian.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/terrarover/pkg/types"
)

// SpeechSampleRate is the rate speech models expect.
const SpeechSampleRate = 16000

// Normalize returns clip as mono PCM at rate Hz. A clip that already matches
// is returned unchanged.
func Normalize(clip types.AudioClip, rate int) (types.AudioClip, error) {
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return types.AudioClip{}, fmt.Errorf("audio: invalid format %dHz/%dch", clip.SampleRate, clip.Channels)
	}
	if len(clip.Data)%(2*clip.Channels) != 0 {
		return types.AudioClip{}, fmt.Errorf("audio: %d bytes is not a whole number of %d-channel frames", len(clip.Data), clip.Channels)
	}
	if rate <= 0 {
		rate = SpeechSampleRate
	}

	pcm := clip.Data
	if clip.Channels > 1 {
		pcm = Downmix(pcm, clip.Channels)
	}
	pcm = ResampleMono16(pcm, clip.SampleRate, rate)
	return types.AudioClip{Data: pcm, SampleRate: rate, Channels: 1}, nil
}

// Downmix averages every frame of an interleaved multi-channel buffer into one
// mono sample. int32 arithmetic keeps the sum from overflowing.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := i*frameBytes + ch*2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		v := int16(s0*(1-frac) + s1*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Float32 converts mono PCM to samples in [-1, 1]. A trailing odd byte is
// ignored.
func Float32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// RMS returns the root-mean-square level of pcm in sample units (0..32767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Silent reports whether the clip's RMS level is below threshold.
func Silent(clip types.AudioClip, threshold float64) bool {
	return RMS(clip.Data) < threshold
}
