package main

import (
	"context"
	"fmt"
	"os"

	"deslink/internal/app"
	"deslink/internal/config"
	"deslink/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	assumeYes  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "deslink",
		Short:         "Desert WiFi 节点市场客户端",
		Long:          `连接钱包、搜索WiFi节点、支付使用时长、注册节点并参与治理投票`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "自动确认钱包请求")

	rootCmd.AddCommand(
		newServeCmd(),
		newNodesCmd(),
		newPayCmd(),
		newHistoryCmd(),
		newStatsCmd(),
		newRegisterCmd(),
		newGovernanceCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并创建日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, logging.NewLogger(cfg.Logging, verbose), nil
}

// openApp 组装完整应用
func openApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts app.Options
	if !assumeYes {
		opts.Approver = promptApprover(os.Stdin, os.Stderr)
	}
	return app.New(ctx, cfg, logger, opts)
}

// connectedApp 组装应用并连接钱包
func connectedApp(ctx context.Context) (*app.App, error) {
	a, err := openApp(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Session.Connect(ctx); err != nil {
		_ = a.Close()
		return nil, userError(err)
	}
	return a, nil
}
