package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config 服务运行配置，来源为配置文件与 GOSTER_ 前缀的环境变量
type Config struct {
	DeviceListen     string        `mapstructure:"device_listen"`     // 设备侧监听地址
	ManagementListen string        `mapstructure:"management_listen"` // 管理面监听地址

	StorageDriver string `mapstructure:"storage_driver"` // sqlite | postgres
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`

	JWTSecret string `mapstructure:"jwt_secret"`

	OrchestratorURL string `mapstructure:"orchestrator_url"` // 空串表示未接入
	AdmissionURL    string `mapstructure:"admission_url"`    // 空串表示默认放行

	ExternalTimeout time.Duration `mapstructure:"external_timeout"` // 外部调用超时
	DrainInterval   time.Duration `mapstructure:"drain_interval"`   // outbox 兜底排空周期

	DefaultPerPage int `mapstructure:"default_per_page"`
	MaxPerPage     int `mapstructure:"max_per_page"`
}

// Load 读取配置。path 为空时在工作目录查找 devauth.yaml，
// 找不到配置文件不算错误，全部取默认值。
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("device_listen", ":8080")
	v.SetDefault("management_listen", ":8081")
	v.SetDefault("storage_driver", "sqlite")
	v.SetDefault("sqlite_path", "./devauth.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("jwt_secret", "super-secret-key-change-me")
	v.SetDefault("orchestrator_url", "")
	v.SetDefault("admission_url", "")
	v.SetDefault("external_timeout", "5s")
	v.SetDefault("drain_interval", "10s")
	v.SetDefault("default_per_page", 20)
	v.SetDefault("max_per_page", 500)

	v.SetEnvPrefix("GOSTER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("devauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// 显式指定的配置文件必须可读；默认位置缺失则全部取默认值
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
