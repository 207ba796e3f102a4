// Command omnisql is the federated SQL gateway: one SQL dialect over
// SaaS APIs, with pushdown, caching, rate governance and row/column
// security resolved per tenant.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omnisql/omnisql/internal/cache"
	"github.com/omnisql/omnisql/internal/executor"
	"github.com/omnisql/omnisql/internal/federate"
	"github.com/omnisql/omnisql/internal/governor"
	"github.com/omnisql/omnisql/internal/telemetry"
	"github.com/omnisql/omnisql/internal/tenant"
)

// Version and Build are stamped by the release pipeline via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	cfgFile    string
	tenantDir  string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "omnisql",
	Short: "omnisql - federated SQL over SaaS APIs",
	Long: `Query GitHub, Jira, Linear and other SaaS sources with one SQL
dialect. Filters are pushed down where the source supports them, results
are cached per tenant with explicit freshness bounds, and every rowset
passes through the tenant's row and column security rules.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("omnisql version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./omnisql.yaml)")
	rootCmd.PersistentFlags().StringVar(&tenantDir, "tenants", "", "Tenant config directory (default: ./tenants)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// initConfig wires viper: flags override config file keys, which
// override OMNISQL_* environment variables' defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("omnisql")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/omnisql")
	}
	viper.SetEnvPrefix("OMNISQL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8080")
	viper.SetDefault("tenant_dir", "./tenants")
	viper.SetDefault("cache.max_entries", 4096)
	viper.SetDefault("cache.tenant_soft_cap", 512)
	viper.SetDefault("executor.row_cap", 0)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildService assembles the full pipeline from config.
func buildService(logger *slog.Logger) (*federate.Service, *tenant.Registry, error) {
	dir := tenantDir
	if dir == "" {
		dir = viper.GetString("tenant_dir")
	}

	registry := tenant.NewRegistry(dir, nil, logger)
	if err := registry.Load(); err != nil {
		return nil, nil, fmt.Errorf("load tenants: %w", err)
	}

	c, err := cache.New(cache.Config{
		MaxEntries:    viper.GetInt("cache.max_entries"),
		TenantSoftCap: viper.GetInt("cache.tenant_soft_cap"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build cache: %w", err)
	}

	gov := governor.New()
	exec := executor.New(c, gov, executor.Options{
		RowCap: viper.GetInt("executor.row_cap"),
	}, logger)
	return federate.New(registry, exec, gov, logger), registry, nil
}

func initTelemetry(ctx context.Context, logger *slog.Logger) func() {
	if err := telemetry.Init(ctx, "omnisql", Version); err != nil {
		logger.Warn("telemetry init failed", "error", err)
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
