// Package audio provides PCM sample-rate conversion and playback-duration
// arithmetic for the gateway's two resampling points: client input down to
// the STT upstream rate, and TTS upstream output up to the client rate.
//
// All functions operate on interleaved little-endian 16-bit signed PCM,
// mono. Conversion is linear interpolation; the pipeline does not need
// higher-fidelity resampling.
package audio

import (
	"log/slog"
	"sync"
	"time"
)

// BytesPerSample for 16-bit PCM.
const BytesPerSample = 2

var warnOddBytes sync.Once

// Resample converts pcm from srcRate to dstRate using linear interpolation.
//
// The contract is total: Resample never fails. Empty input yields empty
// output, equal rates return the input unchanged without allocation, and any
// malformed input (odd byte count, non-positive rate) is returned unchanged
// so the caller can keep the stream flowing.
//
// For N input samples the output holds exactly ⌊N·dstRate/srcRate⌋ samples.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if len(pcm) == 0 {
		return pcm
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if len(pcm)%BytesPerSample != 0 {
		warnOddBytes.Do(func() {
			slog.Warn("audio: odd byte count in PCM input, passing through unresampled", "bytes", len(pcm))
		})
		return pcm
	}

	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// PlaybackDuration returns how long byteCount bytes of mono 16-bit PCM take
// to play at sampleRate. Zero or malformed inputs yield zero.
func PlaybackDuration(byteCount, sampleRate int) time.Duration {
	if byteCount <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := byteCount / BytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// ChunkBytes returns the byte size of a mono 16-bit PCM chunk covering d at
// sampleRate. Used for sizing reconnection-buffer budgets.
func ChunkBytes(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int64(sampleRate) * int64(d) / int64(time.Second)
	return int(samples) * BytesPerSample
}
