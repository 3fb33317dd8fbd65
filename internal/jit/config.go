package jit

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/xyproto/env/v2"
	"go.uber.org/zap"
)

// 环境变量名
const (
	EnvEnabled   = "NOVATRACE_ENABLED"
	EnvHotLoop1  = "NOVATRACE_HOTLOOP1"
	EnvHotLoop2  = "NOVATRACE_HOTLOOP2"
	EnvHotLoop3  = "NOVATRACE_HOTLOOP3"
	EnvBlacklist = "NOVATRACE_BLACKLIST"
	EnvMaxAborts = "NOVATRACE_MAX_ABORTS"
	EnvDebug     = "NOVATRACE_DEBUG"
)

// ErrInvalidConfig 配置不合法
var ErrInvalidConfig = errors.New("invalid tracer config")

// Config 追踪器配置
type Config struct {
	Enabled bool `toml:"enabled"` // 是否启用追踪

	// 循环回边计数达到这三个值时开始录制
	HotLoop1 int `toml:"hotloop1"`
	HotLoop2 int `toml:"hotloop2"`
	HotLoop3 int `toml:"hotloop3"`

	// 计数超过该值仍未编译的循环被列入黑名单
	BlacklistCeiling int `toml:"blacklist"`

	// 可恢复的中止达到该次数后列入黑名单
	MaxAborts int `toml:"max_aborts"`

	// 单条 trace 的最大 LIR 指令数
	MaxTraceLength int `toml:"max_trace_length"`

	Optimize bool `toml:"optimize"` // 后端是否运行 Pass 管道
	Debug    bool `toml:"debug"`    // 输出调试日志

	Logger *zap.Logger `toml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		HotLoop1:         10,
		HotLoop2:         13,
		HotLoop3:         37,
		BlacklistCeiling: 64,
		MaxAborts:        2,
		MaxTraceLength:   4096,
		Optimize:         true,
	}
}

// LoadConfig 从 TOML 文件加载配置, 未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv() {
	if env.Has(EnvEnabled) {
		c.Enabled = env.Bool(EnvEnabled)
	}
	c.HotLoop1 = env.Int(EnvHotLoop1, c.HotLoop1)
	c.HotLoop2 = env.Int(EnvHotLoop2, c.HotLoop2)
	c.HotLoop3 = env.Int(EnvHotLoop3, c.HotLoop3)
	c.BlacklistCeiling = env.Int(EnvBlacklist, c.BlacklistCeiling)
	c.MaxAborts = env.Int(EnvMaxAborts, c.MaxAborts)
	if env.Has(EnvDebug) {
		c.Debug = env.Bool(EnvDebug)
	}
}

// Validate 检查阈值
func (c *Config) Validate() error {
	if c.HotLoop1 <= 0 || c.HotLoop1 > c.HotLoop2 || c.HotLoop2 > c.HotLoop3 {
		return fmt.Errorf("%w: hot loop thresholds %d/%d/%d must be positive and ascending",
			ErrInvalidConfig, c.HotLoop1, c.HotLoop2, c.HotLoop3)
	}
	if c.BlacklistCeiling <= c.HotLoop3 {
		return fmt.Errorf("%w: blacklist ceiling %d must be above the last threshold %d",
			ErrInvalidConfig, c.BlacklistCeiling, c.HotLoop3)
	}
	if c.MaxAborts <= 0 {
		return fmt.Errorf("%w: max aborts must be positive", ErrInvalidConfig)
	}
	if c.MaxTraceLength <= 0 {
		return fmt.Errorf("%w: max trace length must be positive", ErrInvalidConfig)
	}
	return nil
}

// logger 返回日志器, 未配置时为 Nop
func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// isHotHit 计数是否为录制触发点
func (c *Config) isHotHit(hits int) bool {
	return hits == c.HotLoop1 || hits == c.HotLoop2 || hits == c.HotLoop3
}
