package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/capture"
)

type fakeSource struct {
	mu      sync.Mutex
	stopped bool
	err     error
}

func (f *fakeSource) Start(ctx context.Context, fn func(capture.Frame)) error {
	if f.err != nil {
		return f.err
	}
	go func() {
		fn(capture.Frame{Seq: 1, Audio: audio.EncodeBytes([]byte{1, 0})})
		fn(capture.Frame{Seq: 2, Audio: audio.EncodeBytes([]byte{2, 0})})
	}()
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func TestRecordForCollectsFrames(t *testing.T) {
	src := &fakeSource{}
	pcm, err := recordFor(context.Background(), src, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, pcm)
	assert.True(t, src.stopped)
}

func TestRecordForDeviceError(t *testing.T) {
	src := &fakeSource{err: capture.ErrDeviceUnavailable}
	_, err := recordFor(context.Background(), src, time.Second)
	assert.True(t, errors.Is(err, capture.ErrDeviceUnavailable))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"session", "preload", "greeting", "record"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestGreetingRequiresOutput(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"greeting", "home"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output")
}
