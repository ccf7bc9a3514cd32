package capture

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gen2brain/malgo"
)

// MalgoBackend drives audio capture through miniaudio, the same
// capture-callback shape used to feed a wake-word pipeline in the
// malgo-based detector reference implementations this package follows.
type MalgoBackend struct {
	DeviceName string

	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// Open implements Backend.
func (b *MalgoBackend) Open(ctx context.Context, sampleRate, channels int, onSamples func([]int16)) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	b.ctx = mctx

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(channels)
	devCfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_ []byte, raw []byte, _ uint32) {
			if len(raw) < 2 {
				return
			}
			n := len(raw) / 2
			samples := make([]int16, n)
			for i := 0; i < n; i++ {
				samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
			}
			onSamples(samples)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("init capture device %q: %w", b.DeviceName, err)
	}
	b.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *MalgoBackend) Close() error {
	if b.device != nil {
		_ = b.device.Stop()
		b.device.Uninit()
		b.device = nil
	}
	if b.ctx != nil {
		_ = b.ctx.Uninit()
		b.ctx.Free()
		b.ctx = nil
	}
	return nil
}
