package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	SampleWidth      = 2
)

// Buffer is decoded audio ready for playback. Samples are interleaved
// when Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Seconds is the playback duration of the buffer.
func (b *Buffer) Seconds() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// PCM re-encodes the buffer as 16-bit little-endian PCM.
func (b *Buffer) PCM() []byte {
	if b == nil {
		return nil
	}
	return EncodeFrame(b.Samples)
}

type DecodeError struct {
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf(
		"decode pcm: payload length %d is not a multiple of %d",
		e.Length,
		SampleWidth,
	)
}

// EncodeFrame converts float samples in [-1,1] to 16-bit little-endian
// PCM. Out-of-range samples are clamped.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*SampleWidth:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	q := math.Round(v * 32768)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	}
	return int16(q)
}

// DecodeToBuffer is the inverse of EncodeFrame.
func DecodeToBuffer(
	payload []byte,
	sampleRate int,
	channels int,
) (*Buffer, error) {
	if len(payload)%SampleWidth != 0 {
		return nil, &DecodeError{Length: len(payload)}
	}
	if channels <= 0 {
		channels = 1
	}

	samples := make([]float32, len(payload)/SampleWidth)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(payload[i*SampleWidth:]))
		samples[i] = float32(v) / 32768
	}

	// A trailing partial frame is dropped, matching how interleaved
	// buffers are sized.
	samples = samples[:len(samples)-len(samples)%channels]

	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func Base64Decode(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return data, nil
}

// RMSEnergy returns the root-mean-square level of the samples, 0..1.
func RMSEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
