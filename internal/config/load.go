package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/opensand-dama/internal/observability"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: DAMA_CAPACITY_PKTPF sets
// capacity_pktpf.
const EnvPrefix = "DAMA"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setTimingDefaults(v *viper.Viper) {
	v.SetDefault("frame_duration", "53ms")
	v.SetDefault("frames_per_superframe", 1)
	v.SetDefault("packet_length", 188)
}

func setTracingDefaults(v *viper.Viper) {
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", observability.ExporterStdout)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func setNCCDefaults(v *viper.Viper) {
	setTimingDefaults(v)
	setTracingDefaults(v)
	v.SetDefault("group_id", 1)
	v.SetDefault("capacity_pktpf", 0)
	v.SetDefault("capacity_kbps", 0)
	v.SetDefault("carrier_size_pktpf", 0)
	v.SetDefault("strategy", "roundrobin")
	v.SetDefault("rbdc_timeout_sf", 16)
	v.SetDefault("allocation_cycle_frames", 1)
	v.SetDefault("cra_decrease", false)
	v.SetDefault("min_vbdc_pkt", 0)
	v.SetDefault("fca_pktpf", 0)
	v.SetDefault("fmt_id", 1)
	v.SetDefault("liveness_timeout_sf", 0)
	v.SetDefault("sac_layout", "big")
	v.SetDefault("listen", ":50051")
	v.SetDefault("metrics_addr", ":9090")
}

func setTerminalDefaults(v *viper.Viper) {
	setTimingDefaults(v)
	setTracingDefaults(v)
	v.SetDefault("tal_id", 0)
	v.SetDefault("cra_kbps", 0)
	v.SetDefault("max_rbdc_kbps", 0)
	v.SetDefault("max_vbdc_pkt", 0)
	v.SetDefault("rbdc_timeout_sf", 16)
	v.SetDefault("msl_sf", 23)
	v.SetDefault("obr_period_sf", 1)
	v.SetDefault("carrier_capacity_pktpf", 0)
	v.SetDefault("disable_rbdc", false)
	v.SetDefault("disable_vbdc", false)
	v.SetDefault("sac_layout", "big")
	v.SetDefault("target", "localhost:50051")
}

// LoadNCC reads the NCC configuration. Values come, by decreasing
// precedence, from flags that were set, DAMA_* variables, the file at path
// (optional, YAML or TOML by extension) and defaults.
func LoadNCC(path string, flags *pflag.FlagSet) (NCC, error) {
	v := newViper()
	setNCCDefaults(v)
	var cfg NCC
	if err := load(v, path, flags, &cfg); err != nil {
		return NCC{}, err
	}
	return cfg, nil
}

// LoadTerminal reads a terminal configuration the way LoadNCC does.
func LoadTerminal(path string, flags *pflag.FlagSet) (Terminal, error) {
	v := newViper()
	setTerminalDefaults(v)
	var cfg Terminal
	if err := load(v, path, flags, &cfg); err != nil {
		return Terminal{}, err
	}
	if cfg.TalID == 0 {
		return Terminal{}, errors.New("config: tal_id is required")
	}
	return cfg, nil
}

func load(v *viper.Viper, path string, flags *pflag.FlagSet, out any) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	if err := bindFlags(v, flags); err != nil {
		return err
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: decoding: %w", err)
	}
	return nil
}

// bindFlags binds every flag whose name, dashes read as underscores,
// matches a configuration key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err == nil && known[key] {
			err = v.BindPFlag(key, f)
		}
	})
	return err
}
