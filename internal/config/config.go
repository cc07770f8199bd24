// Package config loads the Conductor's configuration from flags, then
// environment variables, then a YAML file, then built-in defaults, in that
// order of precedence — the layering viper gives for free once the sources
// are bound.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is every setting the core reads at startup. It is a plain value;
// nothing in this package keeps process-wide state.
type Config struct {
	BrokerURL     string `mapstructure:"broker_url"`
	InboxQueue    string `mapstructure:"inbox_queue"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`

	FileTransferQueue  string `mapstructure:"file_transfer_queue"`
	RemoteExecutorQueue string `mapstructure:"remote_executor_queue"`

	PrefetchCount int `mapstructure:"prefetch_count"`
	MaxRetryCount int `mapstructure:"max_retry_count"`

	StorePath      string `mapstructure:"store_path"`
	WorkflowFile   string `mapstructure:"workflow_file"`

	RemoteUploadRoot   string `mapstructure:"remote_upload_root"`
	RemoteDownloadRoot string `mapstructure:"remote_download_root"`

	// GPUCount seeds the gpu_resources table on first startup with that many
	// FREE slots named gpu-0..gpu-{N-1}. Slots whose index already exists
	// are left untouched; missing indexes below N are added.
	GPUCount int `mapstructure:"gpu_count"`

	LeaderLockURL   string        `mapstructure:"leader_lock_url"`
	LeaderLockLease time.Duration `mapstructure:"leader_lock_lease"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("inbox_queue", "conductor_queue")
	v.SetDefault("dead_letter_queue", "conductor_queue.dlq")
	v.SetDefault("file_transfer_queue", "file_transfer_queue")
	v.SetDefault("remote_executor_queue", "remote_executor_queue")
	v.SetDefault("prefetch_count", 8)
	v.SetDefault("max_retry_count", 5)
	v.SetDefault("store_path", "./conductor.db")
	v.SetDefault("workflow_file", "./workflow.yaml")
	v.SetDefault("remote_upload_root", "/data/incoming")
	v.SetDefault("remote_download_root", "/data/results")
	v.SetDefault("gpu_count", 1)
	v.SetDefault("leader_lock_url", "")
	v.SetDefault("leader_lock_lease", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// flagToKey maps each hyphenated CLI flag name to the underscored
// mapstructure key it feeds, so Load binds each flag explicitly with
// viper.BindPFlag instead of a blanket BindPFlags (flag names are
// conventionally hyphenated; config keys are not).
var flagToKey = map[string]string{
	"broker-url":             "broker_url",
	"inbox-queue":            "inbox_queue",
	"dead-letter-queue":      "dead_letter_queue",
	"file-transfer-queue":    "file_transfer_queue",
	"remote-executor-queue":  "remote_executor_queue",
	"prefetch-count":         "prefetch_count",
	"max-retry-count":        "max_retry_count",
	"store-path":             "store_path",
	"workflow-file":          "workflow_file",
	"remote-upload-root":     "remote_upload_root",
	"remote-download-root":   "remote_download_root",
	"gpu-count":              "gpu_count",
	"leader-lock-url":        "leader_lock_url",
	"leader-lock-lease":      "leader_lock_lease",
	"log-level":              "log_level",
	"log-format":             "log_format",
}

// Load builds a Config from flags (if non-nil), CONDUCTOR_-prefixed
// environment variables, an optional YAML file, and defaults, in
// decreasing precedence.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("conductor")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil {
				return
			}
			key, ok := flagToKey[f.Name]
			if !ok {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.BrokerURL == "" {
		errs = append(errs, "broker_url is required")
	}
	if cfg.InboxQueue == "" {
		errs = append(errs, "inbox_queue is required")
	}
	if cfg.StorePath == "" {
		errs = append(errs, "store_path is required")
	}
	if cfg.WorkflowFile == "" {
		errs = append(errs, "workflow_file is required")
	}
	if cfg.MaxRetryCount <= 0 {
		errs = append(errs, "max_retry_count must be positive")
	}
	if cfg.PrefetchCount <= 0 {
		errs = append(errs, "prefetch_count must be positive")
	}
	if cfg.GPUCount <= 0 {
		errs = append(errs, "gpu_count must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
