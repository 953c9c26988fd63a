package app

import (
	"context"
	"os"

	"deslink/internal/api"
	"deslink/internal/config"
	"deslink/internal/shutdown"
)

// Serve 启动API服务器，阻塞到收到停机信号，随后按顺序释放所有资源
func (a *App) Serve(ctx context.Context, port int) error {
	if port <= 0 {
		port = a.Config.API.Port
	}

	var runtime api.RuntimeConfig
	if dsn := os.Getenv("DESLINK_CONFIG_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, a.Logger)
		if err != nil {
			a.Logger.Warnf("连接配置数据库失败，运行参数接口不可用: %v", err)
		} else {
			runtime = dbConfig
			a.Shutdown.RegisterCloser("config_db", shutdown.OrderCloseStores, dbConfig.Close)
		}
	}

	server := api.NewServer(api.Deps{
		Session:            a.Session,
		Directory:          a.Directory,
		Payments:           a.Payments,
		Governance:         a.Governance,
		Registrar:          a.Registrar,
		Journal:            a.Journal,
		StablecoinDecimals: a.Config.Contract.StablecoinDecimals,
		Errors:             a.Errors,
		Config:             api.NewConfigHandler(a.Config, runtime, a.Logger),
		Refresher:          a.Refresher,
	}, a.Logger, port)
	a.Shutdown.Register("http", shutdown.OrderStopHTTP, server.Stop)

	ctx, stop := shutdown.NotifyContext(ctx)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.Logger.Errorf("API服务器异常退出: %v", err)
		}
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		return err
	case <-ctx.Done():
		return a.Shutdown.Wait(ctx)
	}
}
