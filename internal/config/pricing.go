package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PricingConfig carries the metering rate table and per-plan billing terms.
// It is configuration, never hardcoded into the metering path, so operators
// can reprice without a rollout.
type PricingConfig struct {
	Rates     map[string]float64 `mapstructure:"rates"`
	PlanBases map[string]float64 `mapstructure:"planBases"`
	Quotas    map[string]float64 `mapstructure:"quotas"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Rates: map[string]float64{
			"compute":   1.0,
			"storage":   0.5,
			"bandwidth": 0.1,
			"ai_tokens": 0.002,
		},
		PlanBases: map[string]float64{
			"free":       0,
			"pro":        2900,
			"enterprise": 29900,
		},
		Quotas: map[string]float64{
			"free":       1000,
			"pro":        100000,
			"enterprise": 10000000,
		},
	}
}

// PricingHolder exposes the current pricing config with hot reload.
type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/promptship/config")
	v.AddConfigPath("/etc/promptship")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PROMPTSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.rates", defaults.Rates)
		v.SetDefault("pricing.planBases", defaults.PlanBases)
		v.SetDefault("pricing.quotas", defaults.Quotas)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	cfg = fillPricingDefaults(cfg)
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		updated = fillPricingDefaults(updated)
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPricingHolder wraps a fixed config, used by tests.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(fillPricingDefaults(cfg))
	return holder
}

func (h *PricingHolder) Current() PricingConfig {
	cfg, _ := h.current.Load().(PricingConfig)
	return cfg
}

// Rate returns the cost-unit rate for a resource type, zero when unknown.
func (h *PricingHolder) Rate(resourceType string) float64 {
	return h.Current().Rates[strings.ToLower(strings.TrimSpace(resourceType))]
}

// PlanBase returns the per-period base cost for a plan tier.
func (h *PricingHolder) PlanBase(plan string) float64 {
	return h.Current().PlanBases[strings.ToLower(strings.TrimSpace(plan))]
}

// PlanQuota returns the default usage quota for a plan tier.
func (h *PricingHolder) PlanQuota(plan string) float64 {
	return h.Current().Quotas[strings.ToLower(strings.TrimSpace(plan))]
}

func fillPricingDefaults(cfg PricingConfig) PricingConfig {
	defaults := DefaultPricingConfig()
	if len(cfg.Rates) == 0 {
		cfg.Rates = defaults.Rates
	}
	if len(cfg.PlanBases) == 0 {
		cfg.PlanBases = defaults.PlanBases
	}
	if len(cfg.Quotas) == 0 {
		cfg.Quotas = defaults.Quotas
	}
	return cfg
}

func validatePricingConfig(cfg PricingConfig) error {
	for resource, rate := range cfg.Rates {
		if rate < 0 {
			return errors.New("negative rate for resource " + resource)
		}
	}
	for plan, base := range cfg.PlanBases {
		if base < 0 {
			return errors.New("negative base cost for plan " + plan)
		}
	}
	for plan, quota := range cfg.Quotas {
		if quota < 0 {
			return errors.New("negative quota for plan " + plan)
		}
	}
	return nil
}
