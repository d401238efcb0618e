package config

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SyncConfig holds the tunables of the incremental sync engine.
type SyncConfig struct {
	BudgetMS      int `mapstructure:"budgetMs"`
	PageSize      int `mapstructure:"pageSize"`
	BatchSize     int `mapstructure:"batchSize"`
	MaxWindowDays int `mapstructure:"maxWindowDays"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BudgetMS:      20_000,
		PageSize:      100,
		BatchSize:     500,
		MaxWindowDays: 90,
	}
}

func (c SyncConfig) Budget() time.Duration {
	return time.Duration(c.BudgetMS) * time.Millisecond
}

func (c SyncConfig) withDefaults() SyncConfig {
	defaults := DefaultSyncConfig()
	if c.BudgetMS <= 0 {
		c.BudgetMS = defaults.BudgetMS
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = defaults.PageSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxWindowDays <= 0 || c.MaxWindowDays > 90 {
		c.MaxWindowDays = defaults.MaxWindowDays
	}
	return c
}

// SyncConfigHolder exposes the current SyncConfig and hot-reloads it
// when sync.yml changes on disk.
type SyncConfigHolder struct {
	current atomic.Value // holds SyncConfig
}

func NewSyncConfigHolder() (*SyncConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("sync")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/kiwisync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KIWISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultSyncConfig()
		v.SetDefault("sync.budgetMs", defaults.BudgetMS)
		v.SetDefault("sync.pageSize", defaults.PageSize)
		v.SetDefault("sync.batchSize", defaults.BatchSize)
		v.SetDefault("sync.maxWindowDays", defaults.MaxWindowDays)
	}

	var cfg SyncConfig
	if err := v.UnmarshalKey("sync", &cfg); err != nil {
		return nil, err
	}

	holder := &SyncConfigHolder{}
	holder.current.Store(cfg.withDefaults())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SyncConfig
		if err := v.UnmarshalKey("sync", &updated); err != nil {
			log.Printf("[sync-config] reload failed: %v", err)
			return
		}
		holder.current.Store(updated.withDefaults())
		log.Printf("[sync-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SyncConfigHolder) Get() SyncConfig {
	return h.current.Load().(SyncConfig)
}

// NewStaticSyncConfigHolder is used by tests that need fixed tunables.
func NewStaticSyncConfigHolder(cfg SyncConfig) *SyncConfigHolder {
	holder := &SyncConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}
