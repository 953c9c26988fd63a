package main

import (
	"context"
	"flag"

	"deslink/internal/app"
	"deslink/internal/config"
	"deslink/internal/logging"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，默认读取配置")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	logger := logging.NewLogger(cfg.Logging, *verbose)

	// API服务没有终端确认钱包请求，Approver 为空即自动确认
	a, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}

	if err := a.Serve(context.Background(), *port); err != nil {
		logger.Errorf("服务异常退出: %v", err)
	}
	logger.Info("服务器已关闭")
}
