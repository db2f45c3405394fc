// fieldops 离线瓦片缓存的命令行工具, 提供区域下载、估算、缓存维护和导出
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/geoyee/fieldops/internal/app"
	"github.com/geoyee/fieldops/internal/config"
	"github.com/geoyee/fieldops/internal/logging"
)

type globalOptions struct {
	configPath string
	driver     string
	dbPath     string
	logLevel   string
	logJSON    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "fieldops",
		Short: "fieldops - offline map tiles for field work",
		Long: `fieldops downloads map regions into a local tile cache so they stay
available without connectivity.

Configuration:
  Pass --config with a JSON file, or set FIELDOPS_* environment variables.
  --driver and --db override the storage section of either source.

Examples:
  fieldops estimate --north 9.10 --south 9.00 --east 7.55 --west 7.40 --max-zoom 15
  fieldops download --name "Abuja North" --north 9.10 --south 9.00 --east 7.55 --west 7.40 --max-zoom 15
  fieldops regions list
  fieldops export <region-id> ./tiles --format z/x/y`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "JSON config file (default: FIELDOPS_* environment)")
	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "Storage driver: sqlite, sqlite3 or memory")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "Path of the SQLite database")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(downloadCmd(opts))
	rootCmd.AddCommand(prefetchCmd(opts))
	rootCmd.AddCommand(estimateCmd(opts))
	rootCmd.AddCommand(regionsCmd(opts))
	rootCmd.AddCommand(statsCmd(opts))
	rootCmd.AddCommand(cleanupCmd(opts))
	rootCmd.AddCommand(clearCmd(opts))
	rootCmd.AddCommand(exportCmd(opts))

	return rootCmd
}

// loadConfig 读取配置文件或环境变量并应用命令行参数
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if o.driver != "" {
		cfg.Storage.Driver = o.driver
	}
	if o.dbPath != "" {
		cfg.Storage.Path = o.dbPath
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = o.logJSON
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *globalOptions) logger(cmd *cobra.Command, cfg *config.Config) hclog.Logger {
	return logging.New("fieldops", cfg.Log.Level, cfg.Log.JSON, cmd.ErrOrStderr())
}

// openApp 加载配置, 交给 adjust 调整后组装各组件
func (o *globalOptions) openApp(cmd *cobra.Command, adjust func(*config.Config)) (*app.App, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return app.New(ctx, cfg, o.logger(cmd, cfg))
}

func closeApp(cmd *cobra.Command, a *app.App) {
	if err := a.Close(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "close: %v\n", err)
	}
}

// formatBytes 将字节数转换为易读格式
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
