package config

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFrom_DefaultsAreValid(t *testing.T) {
	c, err := LoadFrom(env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFrom_ReadsEnvironment(t *testing.T) {
	c, err := LoadFrom(env(map[string]string{
		"OFS_INVENTORY_MODE":     "cluster",
		"OFS_SUBTRACT_BUFFER":    "true",
		"OFS_UPSTREAM_TIMEOUT":   "750ms",
		"OFS_LOGISTICS_ATTEMPTS": "5",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.InventoryMode != "cluster" || !c.SubtractBuffer || c.UpstreamTimeout != 750*time.Millisecond || c.LogisticsAttempts != 5 {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestLoadFrom_BadValues(t *testing.T) {
	_, err := LoadFrom(env(map[string]string{
		"OFS_SUBTRACT_BUFFER":  "maybe",
		"OFS_UPSTREAM_TIMEOUT": "soon",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "OFS_SUBTRACT_BUFFER") || !strings.Contains(err.Error(), "OFS_UPSTREAM_TIMEOUT") {
		t.Fatalf("both failures should be reported: %v", err)
	}
}

func TestBindFlags_Override(t *testing.T) {
	c := Defaults()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"-inventory-mode=single", "-state-backend=pebble"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.InventoryMode != "single" || c.StateBackend != "pebble" {
		t.Fatalf("flags not applied: %+v", c)
	}
}

func TestValidate_Rejects(t *testing.T) {
	c := Defaults()
	c.InventoryMode = "highest-inventory"
	c.SQLDriver = "sqlite"
	c.ChangelogSink = "kafka"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"inventory mode", "sql dsn", "kafka bootstrap"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
