package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("VOXLINE_AUTH_MODE", "disabled")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("Addr=%q, want :8000", cfg.Addr)
	}
	if cfg.AudioFrameDuration != 60*time.Millisecond {
		t.Fatalf("AudioFrameDuration=%v, want 60ms", cfg.AudioFrameDuration)
	}
	if cfg.PrebufferFrames != 5 {
		t.Fatalf("PrebufferFrames=%d, want 5", cfg.PrebufferFrames)
	}
}

func TestLoadFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("VOXLINE_AUTH_MODE", "required")
	t.Setenv("VOXLINE_AUTH_SECRET", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv accepted required auth without a secret")
	}
}

func TestEnvDurationAcceptsBareMilliseconds(t *testing.T) {
	t.Setenv("VOXLINE_AUTH_MODE", "disabled")
	t.Setenv("VOXLINE_ASR_GRACE_WINDOW", "1500")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.ASRGraceWindow != 1500*time.Millisecond {
		t.Fatalf("ASRGraceWindow=%v, want 1.5s", cfg.ASRGraceWindow)
	}
}

func TestLoadVendorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendor.yaml")
	body := `
asr:
  url: wss://asr.example.com/v1
  token: tok
  language: zh
wake_words: ["小聪", "你好小明"]
greeting_enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	vc, err := LoadVendorFile(path)
	if err != nil {
		t.Fatalf("LoadVendorFile: %v", err)
	}
	if vc.ASR.URL != "wss://asr.example.com/v1" {
		t.Fatalf("ASR.URL=%q", vc.ASR.URL)
	}
	if vc.ASR.SampleRateHz != 16000 {
		t.Fatalf("SampleRateHz=%d, want default 16000", vc.ASR.SampleRateHz)
	}
	if vc.GreetingEnabled {
		t.Fatal("GreetingEnabled should be false")
	}

	if !vc.IsWakeWord("小聪") || !vc.IsWakeWord("小聪。") {
		t.Fatal("wake word not matched")
	}
	if vc.IsWakeWord("今天天气") {
		t.Fatal("non wake word matched")
	}
}

func TestLoadVendorFileEmptyPathUsesDefaults(t *testing.T) {
	vc, err := LoadVendorFile("")
	if err != nil {
		t.Fatalf("LoadVendorFile: %v", err)
	}
	if !vc.GreetingEnabled || vc.GreetingText == "" {
		t.Fatalf("defaults not applied: %+v", vc)
	}
}
