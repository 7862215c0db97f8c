package config_test

import (
	"strings"
	"testing"

	"runway/internal/config"
)

func validConfig() *config.Config {
	return config.Default()
}

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Guardrails.MaxGraphIterations != 5 {
		t.Fatalf("max_graph_iterations = %d", cfg.Guardrails.MaxGraphIterations)
	}
	if cfg.Guardrails.NoSourceCitationPolicy != config.CitationDraftOnly {
		t.Fatalf("citation policy = %q", cfg.Guardrails.NoSourceCitationPolicy)
	}
	if got := cfg.Tracker.Transitions["default"]["In Review"]; got != "31" {
		t.Fatalf("default In Review transition = %q", got)
	}
	if cfg.Queues.Inbound.Workers != 4 || cfg.Queues.Outbound.Workers != 2 {
		t.Fatalf("worker pools = %+v", cfg.Queues)
	}
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"iterations too low", func(c *config.Config) { c.Guardrails.MaxGraphIterations = 0 }, "max_graph_iterations"},
		{"iterations too high", func(c *config.Config) { c.Guardrails.MaxGraphIterations = 21 }, "max_graph_iterations"},
		{"retry negative", func(c *config.Config) { c.Guardrails.LLMRetryLimit = -1 }, "llm_retry_limit"},
		{"retry too high", func(c *config.Config) { c.Guardrails.LLMRetryLimit = 6 }, "llm_retry_limit"},
		{"confidence above one", func(c *config.Config) { c.Guardrails.ConfidenceThreshold = 1.1 }, "confidence_threshold"},
		{"negative budget", func(c *config.Config) { c.Guardrails.CostBudgetPerSprintUSD = -0.01 }, "cost_budget_per_sprint_usd"},
		{"expiry zero", func(c *config.Config) { c.Guardrails.ApprovalExpiryHours = 0 }, "approval_expiry_hours"},
		{"bad citation policy", func(c *config.Config) { c.Guardrails.NoSourceCitationPolicy = "warn" }, "no_source_citation_policy"},
		{"bad cost policy", func(c *config.Config) { c.Guardrails.CostExceededPolicy = "ignore" }, "cost_exceeded_policy"},
		{"no inbound workers", func(c *config.Config) { c.Queues.Inbound.Workers = 0 }, "queues.inbound"},
		{"no outbound workers", func(c *config.Config) { c.Queues.Outbound.Workers = 0 }, "queues.outbound"},
		{"bad auth scheme", func(c *config.Config) { c.Tracker.Auth.Scheme = "basic" }, "tracker.auth.scheme"},
		{"empty transition id", func(c *config.Config) { c.Tracker.Transitions["default"]["Done"] = "" }, "tracker.transitions"},
		{"schedule missing cron", func(c *config.Config) {
			c.Schedules = []config.ScheduleConfig{{Name: "weekly"}}
		}, "schedules"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateAcceptsBoundaries(t *testing.T) {
	cfg := validConfig()
	cfg.Guardrails.MaxGraphIterations = 20
	cfg.Guardrails.LLMRetryLimit = 0
	cfg.Guardrails.ConfidenceThreshold = 1
	cfg.Guardrails.CostBudgetPerSprintUSD = 0
	cfg.Guardrails.ApprovalExpiryHours = 1
	cfg.Tracker.Auth.Scheme = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("boundary config rejected: %v", err)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("guardrails: [not a map")); err == nil {
		t.Fatalf("expected parse error")
	}
}
