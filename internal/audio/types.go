package audio

import "time"

// FrameSamples is the fixed frame size the capture path emits: 1280
// samples at 16kHz is 80ms, the pacing unit the whole pipeline is built
// around.
const FrameSamples = 1280

// Frame is one fixed-size chunk of mono 16-bit-equivalent PCM, represented
// as float32 in [-1, 1], with the sequencing metadata downstream
// consumers rely on to detect drops.
type Frame struct {
	Samples    []float32
	T0         time.Time
	SequenceNo uint64
	Muted      bool
}
