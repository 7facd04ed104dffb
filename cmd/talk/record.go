package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/capture"
)

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var (
		output   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the microphone to a WAV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := audio.RealtimeFormat
			mic := capture.NewPipeline(capture.Config{
				Format:      format,
				QueueFrames: opts.cfg.CaptureFrames,
			}, capture.NewMalgoDevice(format), opts.logger)
			pcm, err := recordFor(cmd.Context(), mic, duration)
			if err != nil {
				return err
			}
			if err := audio.WriteWAVFile(output, pcm, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s of audio to %s (dropped %d frames)\n",
				audio.Duration(len(pcm), format).Round(time.Millisecond), output, mic.Dropped())
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination .wav file")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "recording length")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

type frameSource interface {
	Start(ctx context.Context, fn func(capture.Frame)) error
	Stop() error
}

// recordFor captures until d elapses or the user interrupts.
func recordFor(ctx context.Context, src frameSource, d time.Duration) ([]byte, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	if err := src.Start(ctx, func(f capture.Frame) {
		pcm, err := audio.DecodeBytes(f.Audio)
		if err != nil {
			return
		}
		mu.Lock()
		buf.Write(pcm)
		mu.Unlock()
	}); err != nil {
		return nil, err
	}
	<-ctx.Done()
	if err := src.Stop(); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return buf.Bytes(), nil
}
