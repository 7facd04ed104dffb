package main

import (
	"testing"

	"github.com/ent0n29/pagevoice/internal/config"
	"github.com/ent0n29/pagevoice/internal/proxy"
)

func TestSessionConfigOverrides(t *testing.T) {
	cfg := config.Config{
		Voice:              "alloy",
		Temperature:        0.6,
		MaxResponseTokens:  200,
		TranscriptionModel: "gpt-4o-transcribe",
		VADThreshold:       0.7,
		VADSilenceMS:       400,
	}
	sc := sessionConfig(cfg)
	if sc.Voice != "alloy" || sc.Temperature != 0.6 || sc.MaxResponseOutputTokens != 200 {
		t.Fatalf("overrides not applied: %+v", sc)
	}
	if sc.InputAudioTranscription.Model != "gpt-4o-transcribe" {
		t.Fatalf("transcription model = %q", sc.InputAudioTranscription.Model)
	}
	if sc.TurnDetection.Threshold != 0.7 || sc.TurnDetection.SilenceDurationMS != 400 || sc.TurnDetection.PrefixPaddingMS != 300 {
		t.Fatalf("turn detection = %+v", sc.TurnDetection)
	}
	if sc.Instructions != proxy.DefaultInstructions {
		t.Fatalf("instructions should keep the default when unset")
	}
}

func TestSessionConfigDoesNotMutateDefaults(t *testing.T) {
	_ = sessionConfig(config.Config{VADThreshold: 0.9})
	if got := proxy.DefaultSessionConfig().TurnDetection.Threshold; got != 0.5 {
		t.Fatalf("default threshold = %v, want 0.5", got)
	}
}
