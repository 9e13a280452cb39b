package config

import (
	"fmt"

	"github.com/spf13/viper"

	"mes-line-demo/internal/shift"
	"mes-line-demo/internal/types"
)

// StationsConfig 定义三个工站的地址
type StationsConfig struct {
	Assembly  string `mapstructure:"assembly"`  // 装配站地址 (e.g. ws://localhost:9091/station)
	Test      string `mapstructure:"test"`      // 测试站地址
	Packaging string `mapstructure:"packaging"` // 包装站地址
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	Stations StationsConfig `mapstructure:"stations"` // 三个工站的地址
	Shift    *shift.Config  `mapstructure:"shift"`    // 班次日历，省略则不启用门控、持续生产

	SlotIntervalMs    int    `mapstructure:"slot_interval_ms"`    // 槽位定时间隔
	StabilityPollMs   int    `mapstructure:"stability_poll_ms"`   // 工站不稳定时的轮询间隔
	ConnectRetryMs    int    `mapstructure:"connect_retry_ms"`    // 连接失败后的重试间隔
	CallRetryMs       int    `mapstructure:"call_retry_ms"`       // 命令失败后的重试间隔
	ReconnectWaitMs   int    `mapstructure:"reconnect_wait_ms"`   // 重连期间发起命令前的等待间隔
	FaultRecoveryMs   int    `mapstructure:"fault_recovery_ms"`   // 故障自动复位前的延时
	GateRule          string `mapstructure:"gate_rule"`           // 可选的放行规则表达式 (expr 语法)
	MetricsListenAddr string `mapstructure:"metrics_listen_addr"` // 指标服务监听地址
}

// Endpoints 按角色返回工站地址表
func (c *Config) Endpoints() map[types.StationRole]string {
	return map[types.StationRole]string{
		types.RoleAssembly:  c.Stations.Assembly,
		types.RoleTest:      c.Stations.Test,
		types.RolePackaging: c.Stations.Packaging,
	}
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config") // 配置文件名称 (不带扩展名)
	viper.SetConfigType("yaml")   // 配置文件类型
	viper.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)

	// 设置默认值：运行间隔可按需覆盖，测试中通常缩短到毫秒级
	viper.SetDefault("slot_interval_ms", 1000)
	viper.SetDefault("stability_poll_ms", 2000)
	viper.SetDefault("connect_retry_ms", 10000)
	viper.SetDefault("call_retry_ms", 2000)
	viper.SetDefault("reconnect_wait_ms", 2000)
	viper.SetDefault("fault_recovery_ms", 60000)
	viper.SetDefault("metrics_listen_addr", ":8080")

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &cfg, nil
}
