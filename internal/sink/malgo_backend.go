package sink

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gen2brain/malgo"
)

// MalgoBackend plays back s16 mono PCM through miniaudio, the same
// library the capture package uses for input.
type MalgoBackend struct {
	DeviceName string

	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (m *MalgoBackend) Open(_ context.Context, sampleRate, channels int, onNeedSamples func([]int16)) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("sink: init malgo context: %w", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(channels)
	devCfg.Alsa.NoMMap = 1

	scratch := make([]int16, 0, 4096)
	callbacks := malgo.DeviceCallbacks{
		Data: func(raw []byte, _ []byte, frameCount uint32) {
			n := int(frameCount) * channels
			if cap(scratch) < n {
				scratch = make([]int16, n)
			}
			scratch = scratch[:n]
			onNeedSamples(scratch)
			for i, s := range scratch {
				binary.LittleEndian.PutUint16(raw[i*2:i*2+2], uint16(s))
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, devCfg, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("sink: init malgo device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("sink: start malgo device: %w", err)
	}

	m.ctx = ctx
	m.device = device
	return nil
}

func (m *MalgoBackend) Close() error {
	if m.device != nil {
		m.device.Stop()
		m.device.Uninit()
	}
	if m.ctx != nil {
		m.ctx.Uninit()
		m.ctx.Free()
	}
	return nil
}
