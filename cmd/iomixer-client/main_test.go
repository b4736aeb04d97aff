package main

import (
	"testing"

	"github.com/dzik143/iomixer/internal/config"
)

func TestApplyModeProfileFast(t *testing.T) {
	cfg := config.Config{Mode: "fast"}
	applyModeProfile(&cfg)
	if cfg.NoDelay != 0 || cfg.Interval != 30 || cfg.Resend != 2 || cfg.NoCongestion != 1 {
		t.Fatalf("unexpected fast profile: %+v", cfg)
	}
}

func TestApplyModeProfileManualLeavesFieldsAlone(t *testing.T) {
	cfg := config.Config{Mode: "manual", NoDelay: 1, Interval: 5, Resend: 9, NoCongestion: 1}
	applyModeProfile(&cfg)
	if cfg.NoDelay != 1 || cfg.Interval != 5 || cfg.Resend != 9 || cfg.NoCongestion != 1 {
		t.Fatalf("manual profile should not be touched: %+v", cfg)
	}
}

func TestListenLocalTCP(t *testing.T) {
	lis, err := listenLocal("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listenLocal: %v", err)
	}
	defer lis.Close()
	if lis.Addr() == nil {
		t.Fatalf("expected a bound address")
	}
}
