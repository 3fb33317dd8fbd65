package jit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig 测试默认配置
func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, hits := range []int{10, 13, 37} {
		if !c.isHotHit(hits) {
			t.Errorf("%d should start a recording", hits)
		}
	}
	for _, hits := range []int{1, 9, 11, 38} {
		if c.isHotHit(hits) {
			t.Errorf("%d should not start a recording", hits)
		}
	}
	if c.BlacklistCeiling <= c.HotLoop3 {
		t.Errorf("ceiling %d leaves no room after the last threshold %d", c.BlacklistCeiling, c.HotLoop3)
	}
	if c.logger() == nil {
		t.Error("logger must never be nil")
	}
}

// TestLoadConfig 测试从 TOML 文件加载
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novatrace.toml")
	data := []byte(`
hotloop1 = 2
hotloop2 = 4
hotloop3 = 8
blacklist = 20
optimize = false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.HotLoop1 != 2 || c.HotLoop2 != 4 || c.HotLoop3 != 8 || c.BlacklistCeiling != 20 {
		t.Errorf("thresholds not loaded: %+v", c)
	}
	if c.Optimize {
		t.Error("optimize should be false")
	}
	// 未出现的字段保留默认值
	if !c.Enabled || c.MaxAborts != 2 || c.MaxTraceLength != 4096 {
		t.Errorf("defaults lost: %+v", c)
	}
}

// TestLoadConfigInvalid 测试不合法的配置
func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("hotloop1 = 50\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	broken := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(broken, []byte("hotloop1 = [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(broken); err == nil {
		t.Error("expected parse error")
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected read error")
	}
}

// TestValidate 测试阈值检查
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero threshold", func(c *Config) { c.HotLoop1 = 0 }},
		{"descending", func(c *Config) { c.HotLoop2 = 5 }},
		{"ceiling below last", func(c *Config) { c.BlacklistCeiling = 20 }},
		{"ceiling at last", func(c *Config) { c.BlacklistCeiling = c.HotLoop3 }},
		{"no aborts", func(c *Config) { c.MaxAborts = 0 }},
		{"no trace length", func(c *Config) { c.MaxTraceLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// TestApplyEnv 测试环境变量覆盖
func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvEnabled, "false")
	t.Setenv(EnvHotLoop1, "3")
	t.Setenv(EnvMaxAborts, "5")
	t.Setenv(EnvDebug, "true")

	c := DefaultConfig()
	c.ApplyEnv()

	if c.Enabled {
		t.Error("expected tracing disabled")
	}
	if c.HotLoop1 != 3 || c.MaxAborts != 5 {
		t.Errorf("env not applied: %+v", c)
	}
	if c.HotLoop2 != 13 {
		t.Errorf("unset variables must keep defaults, got %d", c.HotLoop2)
	}
	if !c.Debug {
		t.Error("expected debug on")
	}
}
