package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/ent0n29/pagevoice/internal/audio"
)

// ErrDeviceUnavailable reports that the input device could not be acquired.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Device produces raw PCM16LE bytes from an input device. onData runs on the
// driver's thread and must not block.
type Device interface {
	Start(onData func([]byte)) error
	Stop() error
}

// MalgoDevice captures from the default microphone.
type MalgoDevice struct {
	format   audio.Format
	periodMS uint32

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func NewMalgoDevice(f audio.Format) *MalgoDevice {
	if f.SampleRate == 0 {
		f = audio.RealtimeFormat
	}
	return &MalgoDevice{format: f, periodMS: 20}
}

func (d *MalgoDevice) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return nil
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.format.Channels)
	cfg.SampleRate = uint32(d.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = d.periodMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			onData(in)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: init device: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: start device: %v", ErrDeviceUnavailable, err)
	}

	d.ctx = mctx
	d.device = device
	return nil
}

// Stop halts the device and releases it. After Stop returns the driver no
// longer invokes the data callback.
func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	err := d.device.Stop()
	d.device.Uninit()
	d.device = nil
	if uerr := d.ctx.Uninit(); uerr != nil && err == nil {
		err = uerr
	}
	d.ctx.Free()
	d.ctx = nil
	return err
}
