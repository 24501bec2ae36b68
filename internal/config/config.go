package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"mes-kiosk/internal/assist"
	"mes-kiosk/internal/station"
	"mes-kiosk/internal/types"
)

// 审计接收端类型
const (
	BackendMemory  = "memory"
	BackendJournal = "journal"
	BackendSQLite  = "sqlite"
	BackendRemote  = "remote"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	ListenAddr string               `mapstructure:"listen_addr"` // HTTP 监听地址
	Actor      string               `mapstructure:"actor"`       // 本终端写入审计的操作员/工站 ID
	TenantID   string               `mapstructure:"tenant_id"`   // 审计记录的租户
	Audit      AuditConfig          `mapstructure:"audit"`
	Assist     AssistConfig         `mapstructure:"assist"`
	Stations   []station.Definition `mapstructure:"stations"` // 工站配置，为空时使用内置配置
}

// AuditConfig 审计接收端配置
type AuditConfig struct {
	Backend   string `mapstructure:"backend"`    // memory | journal | sqlite | remote
	Path      string `mapstructure:"path"`       // journal 和 sqlite 的文件路径
	RemoteURL string `mapstructure:"remote_url"` // remote 的服务地址
}

// AssistConfig 协助请求配置
type AssistConfig struct {
	// Audit 按请求类型覆盖是否写审计，键为 AssistKind（不区分大小写）
	Audit map[string]bool `mapstructure:"audit"`
}

// LoadConfig 加载配置
// path 为空时在当前目录和 ./configs 中查找 config.yaml，文件不存在时使用默认值
// 环境变量 KIOSK_* 覆盖文件中的值，例如 KIOSK_AUDIT_BACKEND
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 设置默认值
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("actor", "KIOSK-01")
	v.SetDefault("tenant_id", "default")
	v.SetDefault("audit.backend", BackendMemory)
	v.SetDefault("audit.path", "audit.jsonl")
	v.SetDefault("audit.remote_url", "http://localhost:8081")

	v.SetEnvPrefix("KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	switch c.Audit.Backend {
	case BackendMemory, BackendJournal, BackendSQLite:
	case BackendRemote:
		if c.Audit.RemoteURL == "" {
			return errors.New("audit.remote_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	for key := range c.Assist.Audit {
		if !knownAssistKind(types.AssistKind(strings.ToUpper(key))) {
			return fmt.Errorf("assist.audit: unknown assist kind %q", key)
		}
	}
	_, err := c.StationDefinitions()
	return err
}

func knownAssistKind(k types.AssistKind) bool {
	for _, known := range types.AssistKinds {
		if k == known {
			return true
		}
	}
	return false
}

// AssistPolicy 在默认策略上应用配置覆盖
func (c *Config) AssistPolicy() assist.Policy {
	policy := assist.DefaultPolicy()
	for key, enabled := range c.Assist.Audit {
		policy[types.AssistKind(strings.ToUpper(key))] = enabled
	}
	return policy
}

// StationDefinitions 返回按工站名索引的配置
func (c *Config) StationDefinitions() (map[types.StationID]station.Definition, error) {
	defs := c.Stations
	if len(defs) == 0 {
		defs = station.Defaults()
	}
	out := make(map[types.StationID]station.Definition, len(defs))
	for i := range defs {
		d := defs[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate station %s", station.ErrInvalidDefinition, d.Name)
		}
		out[d.Name] = d
	}
	return out, nil
}
