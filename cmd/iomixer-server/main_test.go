package main

import (
	"testing"

	"github.com/dzik143/iomixer/internal/config"
)

func TestApplyModeProfileNormal(t *testing.T) {
	cfg := config.Config{Mode: "normal"}
	applyModeProfile(&cfg)
	if cfg.NoDelay != 0 || cfg.Interval != 40 || cfg.Resend != 2 || cfg.NoCongestion != 1 {
		t.Fatalf("unexpected normal profile: %+v", cfg)
	}
}

func TestTargetTypeDistinguishesUnixFromTCP(t *testing.T) {
	if targetType("127.0.0.1:8080") != targetTCP {
		t.Fatalf("expected TCP target")
	}
	if targetType("/var/run/app.sock") != targetUnix {
		t.Fatalf("expected unix target")
	}
}
