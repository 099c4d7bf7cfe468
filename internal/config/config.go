package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// 域名比对方式
const (
	MatchHost       = "host"
	MatchBaseDomain = "base_domain"
)

// Config 配置文件结构体
type Config struct {
	Version     string `yaml:"version"`
	DevToolsURL string `yaml:"devtoolsURL"`
	TestMode    bool   `yaml:"testMode"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	// Matching 各类规则的域名比对方式
	Matching struct {
		Tab        string `yaml:"tab"`
		WebRequest string `yaml:"webrequest"`
	} `yaml:"matching"`

	Navigation struct {
		Status string `yaml:"status"`
	} `yaml:"navigation"`

	Requests struct {
		Types []string `yaml:"types"`
	} `yaml:"requests"`

	Notification struct {
		Actionable bool `yaml:"actionable"`
		TimeoutMS  int  `yaml:"timeoutMS"`
	} `yaml:"notification"`

	Catalog struct {
		Dir      string `yaml:"dir"`
		WatchDir string `yaml:"watchDir"`
	} `yaml:"catalog"`

	Browser struct {
		PollIntervalMS int `yaml:"pollIntervalMS"`
	} `yaml:"browser"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{
		Version:     "1.0.0",
		DevToolsURL: "http://127.0.0.1:9222",
	}
	c.Sqlite.Dsn = "breakagewatch.sqlite3"
	c.Sqlite.Prefix = "bw_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/breakagewatch.log"
	c.Matching.Tab = MatchHost
	c.Matching.WebRequest = MatchBaseDomain
	c.Navigation.Status = "loading"
	c.Requests.Types = []string{"XHR", "Fetch"}
	c.Notification.TimeoutMS = 15000
	c.Browser.PollIntervalMS = 1000
	return c
}

// Load 读取 YAML 配置并覆盖默认值，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	for name, mode := range map[string]string{"matching.tab": c.Matching.Tab, "matching.webrequest": c.Matching.WebRequest} {
		if mode != MatchHost && mode != MatchBaseDomain {
			return fmt.Errorf("%s: unsupported match mode %q", name, mode)
		}
	}
	switch c.Navigation.Status {
	case "loading", "complete":
	default:
		return fmt.Errorf("navigation.status: unsupported value %q", c.Navigation.Status)
	}
	if c.Notification.TimeoutMS <= 0 {
		c.Notification.TimeoutMS = 15000
	}
	if c.Browser.PollIntervalMS <= 0 {
		c.Browser.PollIntervalMS = 1000
	}
	return nil
}
