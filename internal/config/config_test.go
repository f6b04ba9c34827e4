package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/quota"
)

func TestParseQuotaPolicyOverlay(t *testing.T) {
	data := []byte(`
tiers:
  Monthly:
    max_templates: 20
    max_slides_per_template: -1
    max_pairs_per_job: 200
default:
  max_templates: 50
  max_slides_per_template: -1
  max_pairs_per_job: -1
`)
	policy, err := ParseQuotaPolicy(data, quota.DefaultPolicy())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	free := policy.LimitsFor(model.TierFree)
	if free.MaxTemplates != 1 || free.MaxSlidesPerTemplate != 5 || free.MaxPairsPerJob != 10 {
		t.Fatalf("free limits should be kept from base, got %+v", free)
	}
	monthly := policy.LimitsFor(model.TierMonthly)
	if monthly.MaxTemplates != 20 || monthly.MaxPairsPerJob != 200 {
		t.Fatalf("monthly limits not applied: %+v", monthly)
	}
	if policy.LimitsFor(model.TierLifetime).MaxTemplates != 50 {
		t.Fatalf("default row not applied")
	}
}

func TestParseQuotaPolicyRejectsGarbage(t *testing.T) {
	if _, err := ParseQuotaPolicy([]byte("tiers: [1, 2"), quota.DefaultPolicy()); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	quotaFile := filepath.Join(dir, "quota.yaml")
	if err := os.WriteFile(quotaFile, []byte("tiers:\n  free:\n    max_templates: 3\n    max_slides_per_template: 5\n    max_pairs_per_job: 10\n"), 0o600); err != nil {
		t.Fatalf("write quota file: %v", err)
	}
	t.Setenv("SLIDEFILL_ADDRESS", ":9999")
	t.Setenv("SLIDEFILL_WORKERS", "0")
	t.Setenv("SLIDEFILL_TRANSFORM_TIMEOUT", "90s")
	t.Setenv("SLIDEFILL_TRANSFORMER", "/usr/bin/convert --flag")
	t.Setenv("SLIDEFILL_TRANSFORMER_ENV", "A=1, B=two")
	t.Setenv("SLIDEFILL_QUOTA_FILE", quotaFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9999" || cfg.BaseURL != "http://localhost:9999" {
		t.Fatalf("unexpected address/base url: %s %s", cfg.Address, cfg.BaseURL)
	}
	if cfg.ProcessingPool != defaultWorkerCount {
		t.Fatalf("expected non-positive worker count to fall back to default")
	}
	if cfg.TransformTimeout != 90*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.TransformTimeout)
	}
	if len(cfg.TransformerCommand) != 2 || cfg.TransformerCommand[0] != "/usr/bin/convert" {
		t.Fatalf("unexpected transformer command %v", cfg.TransformerCommand)
	}
	if cfg.TransformerEnv["A"] != "1" || cfg.TransformerEnv["B"] != "two" {
		t.Fatalf("unexpected transformer env %v", cfg.TransformerEnv)
	}
	if cfg.Quota.LimitsFor(model.TierFree).MaxTemplates != 3 {
		t.Fatalf("quota file not applied")
	}
	if len(cfg.SigningSecret) == 0 {
		t.Fatalf("expected generated signing secret")
	}
}

func TestLoadRejectsUnknownDispatch(t *testing.T) {
	t.Setenv("SLIDEFILL_DISPATCH", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown dispatch mode")
	}
}
