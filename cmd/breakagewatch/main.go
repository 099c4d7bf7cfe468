package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"breakagewatch/internal/config"
	"breakagewatch/internal/logger"
	"breakagewatch/pkg/api"
	"breakagewatch/pkg/domain"
)

// cliOptions 全局命令行参数
type cliOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd 构建命令树
func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "breakagewatch",
		Short:         "Warn users when a visited site is known to break",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "breakagewatch.yaml", "Config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newRulesCmd(opts))
	root.AddCommand(newLedgerCmd(opts))
	root.AddCommand(newFeatureCmd(opts))
	return root
}

// load 读取配置并创建日志
func (o *cliOptions) load() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
	return cfg, l, nil
}

// open 打开服务，调用方负责关闭
func (o *cliOptions) open() (api.Service, *config.Config, logger.Logger, error) {
	cfg, l, err := o.load()
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := api.NewService(cfg, l)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open service: %w", err)
	}
	return svc, cfg, l, nil
}

func parseKind(s string) (domain.TriggerKind, error) {
	k := domain.TriggerKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q (want tab or webrequest)", s)
	}
	return k, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
