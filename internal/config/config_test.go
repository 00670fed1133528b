package config

import (
	"os"
	"testing"

	"dealline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.BasePath != "/v1" || cfg.SalaryTerms() != domain.SalaryMonthly {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  default_salary_terms: Weekly\nlog:\n  format: console\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SalaryTerms() != domain.SalaryWeekly || cfg.Log.Format != "console" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr == "" || cfg.Log.Level != "info" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"pipeline:\n  default_salary_terms: Daily\n",
		"log:\n  level: loud\n",
		"log:\n  format: xml\n",
		"server:\n  base_path: v1\n",
		"pipeline:\n  currency: EURO\n",
		"webhooks:\n  - url: ftp://example.com/hook\n",
		"webhooks:\n  - url: https://example.com/hook\n    timeout_seconds: -1\n",
	}
	for _, tc := range cases {
		if _, err := FromYAML([]byte(tc)); err == nil {
			t.Fatalf("expected error for %q", tc)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should fail without a file")
	}
	if err := os.WriteFile(Path(dir), []byte("pipeline:\n  currency: EUR\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Pipeline.Currency != "EUR" {
		t.Fatalf("load: %+v %v", cfg, err)
	}
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte(`webhooks:
  - url: https://example.com/a
    events: [deal.created]
  - url: not a url
    enabled: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("webhooks = %d", len(cfg.Webhooks))
	}
	if !cfg.Webhooks[0].Active() || cfg.Webhooks[1].Active() {
		t.Fatalf("unexpected active flags: %+v", cfg.Webhooks)
	}
	if len(Default().Webhooks) != 0 {
		t.Fatalf("default config should not define webhooks")
	}
}
