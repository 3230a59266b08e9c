package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the metering tunables. Values are hot reloaded from
// billing.yml; amounts are in the smallest currency unit.
type BillingConfig struct {
	Currency            string        `mapstructure:"currency"`
	BaseAllowanceTokens int64         `mapstructure:"baseAllowanceTokens"`
	TierSizeTokens      int64         `mapstructure:"tierSizeTokens"`
	TierAmountCents     int64         `mapstructure:"tierAmountCents"`
	FixedFeeCents       int64         `mapstructure:"fixedFeeCents"`
	AllowanceStepCents  int64         `mapstructure:"allowanceStepCents"`
	AllowanceStepTokens int64         `mapstructure:"allowanceStepTokens"`
	PendingGrace        time.Duration `mapstructure:"pendingGrace"`
	PauseAfterFailures  int           `mapstructure:"pauseAfterFailures"`
	ChargeTimeout       time.Duration `mapstructure:"chargeTimeout"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:            "brl",
		BaseAllowanceTokens: 8_000_000,
		TierSizeTokens:      8_000_000,
		TierAmountCents:     10000,
		FixedFeeCents:       40000,
		AllowanceStepCents:  10000,
		AllowanceStepTokens: 8_000_000,
		PendingGrace:        10 * time.Minute,
		PauseAfterFailures:  3,
		ChargeTimeout:       30 * time.Second,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tokenmeter/config") // Volume-mounted config
	v.AddConfigPath("/etc/tokenmeter")            // System config
	v.AddConfigPath(".")                          // Current directory (dev mode)

	v.SetEnvPrefix("TOKENMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setBillingDefaults(v, DefaultBillingConfig())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// decodeBillingConfig merges file, env and default values; UnmarshalKey would
// drop defaults for keys missing from a partial file.
func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var wrapper struct {
		Billing BillingConfig `mapstructure:"billing"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return BillingConfig{}, err
	}
	return wrapper.Billing, nil
}

func setBillingDefaults(v *viper.Viper, d BillingConfig) {
	v.SetDefault("billing.currency", d.Currency)
	v.SetDefault("billing.baseAllowanceTokens", d.BaseAllowanceTokens)
	v.SetDefault("billing.tierSizeTokens", d.TierSizeTokens)
	v.SetDefault("billing.tierAmountCents", d.TierAmountCents)
	v.SetDefault("billing.fixedFeeCents", d.FixedFeeCents)
	v.SetDefault("billing.allowanceStepCents", d.AllowanceStepCents)
	v.SetDefault("billing.allowanceStepTokens", d.AllowanceStepTokens)
	v.SetDefault("billing.pendingGrace", d.PendingGrace)
	v.SetDefault("billing.pauseAfterFailures", d.PauseAfterFailures)
	v.SetDefault("billing.chargeTimeout", d.ChargeTimeout)
}

func validateBillingConfig(cfg BillingConfig) error {
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("billing.currency cannot be empty")
	}
	if cfg.BaseAllowanceTokens <= 0 {
		return errors.New("billing.baseAllowanceTokens must be positive")
	}
	if cfg.TierSizeTokens <= 0 {
		return errors.New("billing.tierSizeTokens must be positive")
	}
	if cfg.TierAmountCents <= 0 {
		return errors.New("billing.tierAmountCents must be positive")
	}
	if cfg.AllowanceStepCents <= 0 || cfg.AllowanceStepTokens < 0 {
		return errors.New("billing.allowanceStep values are invalid")
	}
	if cfg.PendingGrace <= 0 {
		return errors.New("billing.pendingGrace must be positive")
	}
	if cfg.PauseAfterFailures <= 0 {
		return errors.New("billing.pauseAfterFailures must be positive")
	}
	return nil
}
