package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/presence/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump     bool
	validateTemplate bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the presence configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().BoolVar(&validateTemplate, "template", false, "Print the template document merged under stored state")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	template, err := readTemplate(cfg.Storage.Template)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	if validateTemplate {
		source := cfg.Storage.Template
		if source == "" {
			source = "built-in"
		}
		_, _ = color.New(color.FgCyan, color.Bold).Printf("\n[template] %s\n", source)
		_, _ = os.Stdout.Write(template)
		fmt.Fprintln(os.Stdout)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := config.KnownKeys()
	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  port", cfg.Server.Port, defaultCfg.Server.Port, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  secret", redact(cfg.Server.Secret), redact(defaultCfg.Server.Secret), yellow, green)

	_, _ = cyan.Println("\n[timezone]")
	dumpField("  timezone", cfg.Timezone, defaultCfg.Timezone, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	dumpField("  template", cfg.Storage.Template, defaultCfg.Storage.Template, yellow, green)
	dumpField("  load_attempts", cfg.Storage.LoadAttempts, defaultCfg.Storage.LoadAttempts, yellow, green)
	dumpField("  load_retry_delay", cfg.Storage.LoadRetryDelay, defaultCfg.Storage.LoadRetryDelay, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redact(cfg.Storage.Redis.Password), redact(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)
	dumpField("  file", cfg.Logging.File, defaultCfg.Logging.File, yellow, green)
	dumpField("  max_size_mb", cfg.Logging.MaxSizeMB, defaultCfg.Logging.MaxSizeMB, yellow, green)
	dumpField("  max_backups", cfg.Logging.MaxBackups, defaultCfg.Logging.MaxBackups, yellow, green)
	dumpField("  max_age_days", cfg.Logging.MaxAgeDays, defaultCfg.Logging.MaxAgeDays, yellow, green)

	_, _ = cyan.Println("\n[maintenance]")
	dumpField("  interval", cfg.Maintenance.Interval, defaultCfg.Maintenance.Interval, yellow, green)
	dumpField("  offline_threshold", cfg.Maintenance.OfflineThreshold, defaultCfg.Maintenance.OfflineThreshold, yellow, green)
	dumpField("  offline_text", cfg.Maintenance.OfflineText, defaultCfg.Maintenance.OfflineText, yellow, green)
	dumpField("  auto_switch_status", cfg.Maintenance.AutoSwitchStatus, defaultCfg.Maintenance.AutoSwitchStatus, yellow, green)

	_, _ = cyan.Println("\n[status]")
	dumpField("  not_using_text", cfg.Status.NotUsingText, defaultCfg.Status.NotUsingText, yellow, green)
	dumpField("  using_first", cfg.Status.UsingFirst, defaultCfg.Status.UsingFirst, yellow, green)
	dumpField("  sorted", cfg.Status.Sorted, defaultCfg.Status.Sorted, yellow, green)

	_, _ = cyan.Println("\n[history]")
	dumpField("  recent_limit", cfg.History.RecentLimit, defaultCfg.History.RecentLimit, yellow, green)
	dumpField("  aggregate_recent_limit", cfg.History.AggregateRecentLimit, defaultCfg.History.AggregateRecentLimit, yellow, green)

	_, _ = cyan.Println("\n[visits]")
	dumpField("  paths", cfg.Visits.Paths, defaultCfg.Visits.Paths, yellow, green)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redact hides a secret if not empty
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
