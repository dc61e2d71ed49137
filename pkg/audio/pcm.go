package audio

import (
	"encoding/binary"
	"math"
)

// Convert returns frame in the target format. Resampling uses linear
// interpolation and happens before channel conversion so that stereo input
// headed for a mono pipeline is only resampled once. A frame already in the
// target format is returned unchanged. Frames with a torn final sample are
// truncated to whole samples.
func Convert(frame AudioFrame, target Format) AudioFrame {
	if frame.SampleRate == target.SampleRate && frame.Channels == target.Channels {
		return frame
	}
	pcm := frame.Data
	if frame.Channels > 0 {
		pcm = pcm[:len(pcm)-len(pcm)%(2*frame.Channels)]
	}
	channels := frame.Channels
	if channels == 2 && target.Channels == 1 {
		pcm = downmix(pcm)
		channels = 1
	}
	if frame.SampleRate > 0 && target.SampleRate > 0 && frame.SampleRate != target.SampleRate {
		pcm = resample(pcm, channels, frame.SampleRate, target.SampleRate)
	}
	if channels == 1 && target.Channels == 2 {
		pcm = upmix(pcm)
		channels = 2
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// RMS returns the root-mean-square level of 16-bit PCM normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sample(pcm, i)) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// downmix averages interleaved L/R pairs into mono.
func downmix(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample(pcm, 2*i)) + int32(sample(pcm, 2*i+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// upmix duplicates every mono sample into both channels.
func upmix(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// resample converts interleaved PCM with the given channel count between
// sample rates using linear interpolation.
func resample(pcm []byte, channels, from, to int) []byte {
	if channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(to) / int64(from))
	out := make([]byte, dstFrames*2*channels)
	step := float64(from) / float64(to)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(sample(pcm, idx*channels+c))
			s1 := float64(sample(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0+(s1-s0)*frac))
		}
	}
	return out
}
