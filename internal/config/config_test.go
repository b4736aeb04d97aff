package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONFileOverridesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"localaddr":"127.0.0.1:12948","remoteaddr":"2.2.2.2:4000","key":"secret","conn":2,"closewait":9,"legacy-smux":true}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg := Config{Conn: 1}
	if err := ParseJSONFile(&cfg, path); err != nil {
		t.Fatalf("ParseJSONFile returned error: %v", err)
	}

	if cfg.LocalAddr != "127.0.0.1:12948" || cfg.RemoteAddr != "2.2.2.2:4000" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.Key != "secret" || cfg.Conn != 2 || cfg.CloseWait != 9 || !cfg.LegacySmux {
		t.Fatalf("unexpected field values: %+v", cfg)
	}
}

func TestParseJSONFileMissing(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := ParseJSONFile(&cfg, missing); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
