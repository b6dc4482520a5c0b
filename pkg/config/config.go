package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"
)

// DifyRoute is one Dify application endpoint.
type DifyRoute struct {
	APIURL      string `json:"api_url" yaml:"api_url"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	Timeout     int    `json:"timeout" yaml:"timeout"` // seconds
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TimeoutDuration returns the request timeout, falling back to 60s.
func (r DifyRoute) TimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.Timeout) * time.Second
}

type DifyConfig struct {
	Default      DifyRoute            `json:"default" yaml:"default"`
	GroupMapping map[string]DifyRoute `json:"group_mapping" yaml:"group_mapping"`
}

type WeixinConfig struct {
	APIURL  string `json:"api_url" yaml:"api_url"`
	Timeout int    `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds
}

type ServerConfig struct {
	Host  string `json:"host" yaml:"host"`
	Port  int    `json:"port" yaml:"port"`
	Debug bool   `json:"debug" yaml:"debug"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MessagesConfig struct {
	EmptyMessageReply  string `json:"empty_message_reply" yaml:"empty_message_reply"`
	DefaultReply       string `json:"default_reply" yaml:"default_reply"`
	ServiceUnavailable string `json:"service_unavailable" yaml:"service_unavailable"`
	ResetReply         string `json:"reset_reply,omitempty" yaml:"reset_reply,omitempty"`
}

// ScheduledTask is a cron job as written in the config file.
type ScheduledTask struct {
	Name         string   `json:"name" yaml:"name"`
	Type         string   `json:"type" yaml:"type"` // text, dify
	Cron         string   `json:"cron" yaml:"cron"`
	Enabled      *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	TargetGroups []string `json:"target_groups" yaml:"target_groups"`
	Message      string   `json:"message,omitempty" yaml:"message,omitempty"`
	Prompt       string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// IsEnabled reports whether the task is enabled. Tasks are enabled unless
// explicitly switched off.
func (t ScheduledTask) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // console, json
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type SessionConfig struct {
	StorePath string `json:"store_path,omitempty" yaml:"store_path,omitempty"`
}

type SchedulerConfig struct {
	Timezone       string `json:"timezone" yaml:"timezone"`
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency"`
}

type Config struct {
	BotWxid         string          `json:"bot_wxid" yaml:"bot_wxid"`
	Dify            DifyConfig      `json:"dify" yaml:"dify"`
	Weixin          WeixinConfig    `json:"weixin" yaml:"weixin"`
	Server          ServerConfig    `json:"server" yaml:"server"`
	TriggerKeywords []string        `json:"trigger_keywords" yaml:"trigger_keywords"`
	ResetKeywords   []string        `json:"reset_keywords,omitempty" yaml:"reset_keywords,omitempty"`
	Messages        MessagesConfig  `json:"messages" yaml:"messages"`
	ScheduledTasks  []ScheduledTask `json:"scheduled_tasks" yaml:"scheduled_tasks"`
	Logging         LoggingConfig   `json:"logging" yaml:"logging"`
	Session         SessionConfig   `json:"session" yaml:"session"`
	Scheduler       SchedulerConfig `json:"scheduler" yaml:"scheduler"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Dify: DifyConfig{
			Default: DifyRoute{
				APIURL:      "http://127.0.0.1:5001/v1/chat-messages",
				Timeout:     60,
				Description: "default Dify app (unmapped groups and all private chats)",
			},
			GroupMapping: map[string]DifyRoute{},
		},
		Weixin: WeixinConfig{
			APIURL:  "http://127.0.0.1:7777/qianxun/httpapi",
			Timeout: 30,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		TriggerKeywords: []string{},
		ResetKeywords:   []string{"新话题"},
		Messages: MessagesConfig{
			EmptyMessageReply:  "您好!我收到了您的@消息,请告诉我您想咨询什么内容。",
			DefaultReply:       "抱歉,我没有理解您的意思。",
			ServiceUnavailable: "抱歉,服务暂时不可用:",
			ResetReply:         "已为您开启新话题，之前的对话记录已被清除。",
		},
		ScheduledTasks: []ScheduledTask{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scheduler: SchedulerConfig{
			Timezone:       "Asia/Shanghai",
			MaxConcurrency: 4,
		},
	}
}

// RouteFor returns the Dify route for a chat identity. Group chats listed in
// the group mapping get their own route; everything else uses the default.
func (c *Config) RouteFor(chatID string) (DifyRoute, bool) {
	if IsGroup(chatID) {
		if route, ok := c.Dify.GroupMapping[chatID]; ok {
			return route, true
		}
	}
	return c.Dify.Default, false
}

// IsGroup reports whether a wxid names a group chat.
func IsGroup(chatID string) bool {
	return strings.Contains(chatID, "@chatroom")
}

// Validate checks fields the service cannot run without. Scheduled tasks are
// validated separately when they are registered so one bad task does not stop
// the rest.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Dify.Default.APIURL) == "" {
		return fmt.Errorf("dify.default.api_url is required")
	}
	for id, route := range c.Dify.GroupMapping {
		if strings.TrimSpace(route.APIURL) == "" {
			return fmt.Errorf("dify.group_mapping[%s].api_url is required", id)
		}
	}
	if strings.TrimSpace(c.Weixin.APIURL) == "" {
		return fmt.Errorf("weixin.api_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// Location returns the scheduler time zone, or time.Local when unset.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LoadConfig loads the configuration from the given path. A missing file
// yields the defaults. Files ending in .yaml or .yml are decoded as YAML,
// everything else as JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		decoder := json.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if config.Dify.GroupMapping == nil {
		config.Dify.GroupMapping = map[string]DifyRoute{}
	}
	return config, nil
}

// WriteDefault writes DefaultConfig to path unless the file already exists.
// It reports whether a file was created.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, err
		}
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(DefaultConfig())
	} else {
		data, err = json.MarshalIndent(DefaultConfig(), "", "  ")
	}
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
