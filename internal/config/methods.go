package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// MethodLimit bounds a single payment method.
type MethodLimit struct {
	Enabled         bool    `mapstructure:"enabled"`
	MinAmount       float64 `mapstructure:"min_amount"`
	MaxAmount       float64 `mapstructure:"max_amount"`
	MaxInstallments int     `mapstructure:"max_installments"`
}

type MethodConfig struct {
	Methods map[string]MethodLimit `mapstructure:"methods"`
}

// Lookup returns the limits for a method id, case-insensitively.
func (c MethodConfig) Lookup(method string) (MethodLimit, bool) {
	limit, ok := c.Methods[strings.ToLower(strings.TrimSpace(method))]
	return limit, ok
}

func DefaultMethodConfig() MethodConfig {
	return MethodConfig{
		Methods: map[string]MethodLimit{
			"credit_card":   {Enabled: true, MinAmount: 100, MaxAmount: 999999.99, MaxInstallments: 12},
			"debit_card":    {Enabled: true, MinAmount: 100, MaxAmount: 999999.99, MaxInstallments: 1},
			"account_money": {Enabled: true, MinAmount: 100, MaxAmount: 999999.99, MaxInstallments: 1},
			"bank_transfer": {Enabled: true, MinAmount: 500, MaxAmount: 1000000, MaxInstallments: 1},
			"rapipago":      {Enabled: true, MinAmount: 100, MaxAmount: 50000, MaxInstallments: 1},
			"pagofacil":     {Enabled: true, MinAmount: 100, MaxAmount: 50000, MaxInstallments: 1},
		},
	}
}

type MethodConfigHolder struct {
	current atomic.Value // holds MethodConfig
}

// NewStaticMethodConfigHolder returns a holder that never reloads.
func NewStaticMethodConfigHolder(cfg MethodConfig) *MethodConfigHolder {
	holder := &MethodConfigHolder{}
	holder.current.Store(normalizeMethodConfig(cfg))
	return holder
}

func NewMethodConfigHolder() (*MethodConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("payment_methods")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/marketpay/config")
	v.AddConfigPath("/etc/marketpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MARKETPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultMethodConfig()
	found := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		found = false
	}
	if found {
		var loaded MethodConfig
		if err := v.UnmarshalKey("payment_methods", &loaded); err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg = normalizeMethodConfig(cfg)
	if err := validateMethodConfig(cfg); err != nil {
		return nil, err
	}

	holder := &MethodConfigHolder{}
	holder.current.Store(cfg)

	if !found {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated MethodConfig
		if err := v.UnmarshalKey("payment_methods", &updated); err != nil {
			log.Printf("[payment-methods] reload failed: %v", err)
			return
		}
		updated = normalizeMethodConfig(updated)
		if err := validateMethodConfig(updated); err != nil {
			log.Printf("[payment-methods] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[payment-methods] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *MethodConfigHolder) Get() MethodConfig {
	if h == nil {
		return DefaultMethodConfig()
	}
	cfg, ok := h.current.Load().(MethodConfig)
	if !ok {
		return DefaultMethodConfig()
	}
	return cfg
}

func normalizeMethodConfig(cfg MethodConfig) MethodConfig {
	out := MethodConfig{Methods: make(map[string]MethodLimit, len(cfg.Methods))}
	for key, limit := range cfg.Methods {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if limit.MaxInstallments <= 0 {
			limit.MaxInstallments = 1
		}
		out.Methods[key] = limit
	}
	return out
}

func validateMethodConfig(cfg MethodConfig) error {
	if len(cfg.Methods) == 0 {
		return errors.New("payment_methods.methods cannot be empty")
	}
	for name, limit := range cfg.Methods {
		if limit.MinAmount < 0 || (limit.MaxAmount > 0 && limit.MaxAmount < limit.MinAmount) {
			return fmt.Errorf("payment_methods.methods.%s: invalid amount range", name)
		}
	}
	return nil
}
