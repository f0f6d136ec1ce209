// Package audio provides audio capture and playback using malgo, and emits
// fixed-size, sequenced frames the rest of the pipeline depends on.
package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// Ring buffer configuration constants.
const (
	// ringBufferSize is the number of sample chunks the ring buffer can hold.
	// At 16kHz with 32ms chunks (512 samples), this provides ~4 seconds of buffer.
	ringBufferSize = 128

	// maxSamplesPerChunk is the maximum samples per audio callback chunk.
	maxSamplesPerChunk = 2048
)

// audioChunk represents a chunk of audio samples in the ring buffer.
type audioChunk struct {
	samples []float32
	len     int
}

// ringBuffer is a lock-free single-producer single-consumer ring buffer for audio.
type ringBuffer struct {
	chunks    [ringBufferSize]audioChunk
	head      atomic.Uint64
	tail      atomic.Uint64
	dropCount atomic.Uint64
}

func newRingBuffer() *ringBuffer {
	rb := &ringBuffer{}
	for i := range rb.chunks {
		rb.chunks[i].samples = make([]float32, maxSamplesPerChunk)
	}
	return rb
}

func (rb *ringBuffer) push(samples []float32, log *slog.Logger) bool {
	head := rb.head.Load()
	tail := rb.tail.Load()

	if head-tail >= ringBufferSize {
		count := rb.dropCount.Add(1)
		if count%100 == 0 {
			log.Warn("capture ring buffer full, dropping chunks", "dropped", count)
		}
		return false
	}

	slot := &rb.chunks[head%ringBufferSize]
	n := copy(slot.samples, samples)
	slot.len = n

	rb.head.Add(1)
	return true
}

func (rb *ringBuffer) pop() []float32 {
	head := rb.head.Load()
	tail := rb.tail.Load()

	if head == tail {
		return nil
	}

	slot := &rb.chunks[tail%ringBufferSize]
	samples := slot.samples[:slot.len]

	rb.tail.Add(1)
	return samples
}

// Capturer handles microphone audio capture, accumulating the device's
// native callback chunks into fixed FrameSamples-length Frames delivered
// in strictly increasing SequenceNo order.
type Capturer struct {
	log              *slog.Logger
	ctx              *malgo.AllocatedContext
	device           *malgo.Device
	sampleRate       uint32
	deviceSampleRate uint32
	onFrame          func(Frame)
	running          atomic.Bool // hard stop: when false, capture is fully halted
	muted            atomic.Bool // soft mute: frames keep flowing but flagged Muted
	ringBuf          *ringBuffer
	stopChan         chan struct{}
	wg               sync.WaitGroup
	resampler        *PolyphaseResampler

	accum      []float32 // partial-frame accumulation buffer
	sequenceNo atomic.Uint64
	dropFrames atomic.Uint64
}

// NewCapturer creates a new audio capturer. onFrame is invoked once per
// fixed-size Frame and must not block for longer than one frame period.
func NewCapturer(log *slog.Logger, sampleRate int, onFrame func(Frame)) (*Capturer, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}

	c := &Capturer{
		log:        log,
		ctx:        ctx,
		sampleRate: uint32(sampleRate),
		onFrame:    onFrame,
		ringBuf:    newRingBuffer(),
		stopChan:   make(chan struct{}),
		accum:      make([]float32, 0, FrameSamples*2),
	}

	return c, nil
}

// Start begins audio capture from the default microphone.
func (c *Capturer) Start() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = c.sampleRate
	deviceConfig.PeriodSizeInMilliseconds = 32

	tempDevice, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{})
	if err != nil {
		return fmt.Errorf("audio: query capture device: %w", err)
	}
	c.deviceSampleRate = tempDevice.SampleRate()
	tempDevice.Uninit()

	if c.deviceSampleRate != c.sampleRate {
		if c.deviceSampleRate > c.sampleRate {
			c.resampler = NewPolyphaseResampler(int(c.deviceSampleRate), int(c.sampleRate))
			c.log.Info("resampling capture", "from_hz", c.deviceSampleRate, "to_hz", c.sampleRate, "method", "polyphase")
		} else {
			c.log.Info("resampling capture", "from_hz", c.deviceSampleRate, "to_hz", c.sampleRate, "method", "linear")
		}
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		if !c.running.Load() {
			return
		}
		pooledSamples := bytesToFloat32(pInputSamples)
		if len(pooledSamples) > 0 {
			c.ringBuf.push(pooledSamples, c.log)
		}
		returnFloat32Buffer(pooledSamples)
	}

	callbacks := malgo.DeviceCallbacks{Data: onRecvFrames}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("audio: init capture device: %w", err)
	}

	c.device = device
	c.running.Store(true)

	c.wg.Add(1)
	go c.processLoop()

	if err := device.Start(); err != nil {
		return fmt.Errorf("audio: start capture device: %w", err)
	}

	return nil
}

// processLoop drains the ring buffer, resamples, accumulates into
// fixed-size frames, and dispatches them to onFrame.
func (c *Capturer) processLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
			samples := c.ringBuf.pop()
			if samples == nil {
				select {
				case <-c.stopChan:
					return
				case <-time.After(100 * time.Microsecond):
				}
				continue
			}

			samplesCopy := make([]float32, len(samples))
			copy(samplesCopy, samples)

			if c.resampler != nil {
				samplesCopy = c.resampler.Resample(samplesCopy)
			} else if c.deviceSampleRate != c.sampleRate {
				samplesCopy = ResampleInPlace(samplesCopy, int(c.deviceSampleRate), int(c.sampleRate))
			}

			c.accum = append(c.accum, samplesCopy...)
			for len(c.accum) >= FrameSamples {
				frameSamples := make([]float32, FrameSamples)
				copy(frameSamples, c.accum[:FrameSamples])
				c.accum = append(c.accum[:0], c.accum[FrameSamples:]...)

				if c.onFrame != nil {
					c.onFrame(Frame{
						Samples:    frameSamples,
						T0:         time.Now(),
						SequenceNo: c.sequenceNo.Add(1) - 1,
						Muted:      c.muted.Load(),
					})
				}
			}
		}
	}
}

// MuteCapture flags subsequent frames as muted without stopping capture.
// Use this while the assistant is speaking so the wake-word detector keeps
// running (and its rolling buffers stay warm) but its output is ignored.
func (c *Capturer) MuteCapture(muted bool) {
	c.muted.Store(muted)
}

// Muted reports the current mute flag.
func (c *Capturer) Muted() bool {
	return c.muted.Load()
}

// DroppedFrames returns the number of frames dropped due to ring overflow.
func (c *Capturer) DroppedFrames() uint64 {
	return c.ringBuf.dropCount.Load()
}

// Stop halts audio capture entirely.
func (c *Capturer) Stop() {
	c.running.Store(false)

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}

	c.wg.Wait()

	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
}

// Close releases all audio resources.
func (c *Capturer) Close() {
	c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// float32Pool reduces allocations in the audio callback hot path.
var float32Pool = sync.Pool{
	New: func() interface{} {
		buf := make([]float32, 2048)
		return &buf
	},
}

func bytesToFloat32(data []byte) []float32 {
	numSamples := len(data) / 4
	pBuf := float32Pool.Get().(*[]float32)

	if cap(*pBuf) < numSamples {
		*pBuf = make([]float32, numSamples)
	}
	samples := (*pBuf)[:numSamples]

	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

func returnFloat32Buffer(samples []float32) {
	if samples == nil {
		return
	}
	buf := samples[:cap(samples)]
	float32Pool.Put(&buf)
}
