package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/stream"
)

// Devices is the audio device pair the relay runs on.
type Devices struct {
	Input  audio.InputDevice
	Output audio.OutputDevice

	closers []func() error
}

// OpenDevices builds the file-backed microphone and speaker described by cfg.
//
// A microphone that cannot be opened is not fatal: the server still comes up
// and every session start reports the device error, the same way a missing
// or denied microphone would.
func OpenDevices(cfg config.AudioConfig, log *slog.Logger) (Devices, error) {
	var d Devices
	in := cfg.Input
	format := audio.Format{SampleRate: in.SampleRate, Channels: in.Channels}

	switch r, err := openInput(in.Path); {
	case err != nil:
		log.Warn("microphone unavailable", "path", in.Path, "err", err)
		d.Input = unavailableInput{format: format, err: err}
	default:
		mic := stream.NewMicrophone(r, stream.MicrophoneConfig{
			Format:    format,
			Encoding:  stream.Encoding(in.Encoding),
			BlockSize: in.BlockSize,
			Realtime:  realtime(in),
		})
		d.Input = mic
		d.closers = append(d.closers, r.Close)
	}

	w, closeOut, err := openOutput(cfg.Output.Path)
	if err != nil {
		_ = d.Close()
		return Devices{}, err
	}
	spk := stream.NewSpeaker(w, cfg.Output.SampleRate,
		stream.WithTick(cfg.Output.Tick),
		stream.WithSpeakerLogger(log),
	)
	d.Output = spk
	d.closers = append(d.closers, spk.Close)
	if closeOut != nil {
		d.closers = append(d.closers, closeOut)
	}
	return d, nil
}

// Close releases the underlying files. It is called by [App.Shutdown] for
// devices opened by [New].
func (d Devices) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, fmt.Errorf("app: no microphone configured: %w", audio.ErrDeviceUnavailable)
	}
	return stream.OpenFile(path)
}

// realtime paces regular files by default. Stdin and FIFOs already deliver at
// the producer's pace.
func realtime(in config.AudioInputConfig) bool {
	if in.Realtime != nil {
		return *in.Realtime
	}
	if in.Path == "-" {
		return false
	}
	fi, err := os.Stat(in.Path)
	return err == nil && fi.Mode().IsRegular()
}

func openOutput(path string) (io.Writer, func() error, error) {
	switch path {
	case "":
		return io.Discard, nil, nil
	case "-":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("app: open speaker %s: %w", path, err)
	}
	return f, f.Close, nil
}

// unavailableInput reports the same open error on every session start.
type unavailableInput struct {
	format audio.Format
	err    error
}

var _ audio.InputDevice = unavailableInput{}

func (u unavailableInput) Format() audio.Format { return u.format }

func (u unavailableInput) Open(context.Context, audio.BlockFunc) (audio.InputStream, error) {
	return nil, u.err
}
