package app

import (
	"context"
	"fmt"
	"time"

	"deslink/internal/config"
	"deslink/internal/connection"
	"deslink/internal/contract"
	"deslink/internal/decoder"
	"deslink/internal/directory"
	deserrors "deslink/internal/errors"
	"deslink/internal/events"
	"deslink/internal/governance"
	"deslink/internal/journal"
	"deslink/internal/logging"
	"deslink/internal/payment"
	"deslink/internal/registration"
	"deslink/internal/session"
	"deslink/internal/shutdown"
	"deslink/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Options 组装参数
type Options struct {
	// Approver keystore钱包的确认回调，为空且未开启自动确认时所有请求自动通过
	Approver wallet.Approver
}

// App 组装好的应用，所有组件共享同一个会话
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Audit    *logging.StructuredLogger
	Errors   *deserrors.ErrorHandler
	Shutdown *shutdown.Coordinator

	Pool       *connection.ConnectionPool
	Contract   *contract.DesertWifi
	Provider   wallet.Provider
	Session    *session.Manager
	Directory  *directory.Client
	Store      directory.Store
	Journal    *journal.Journal
	Events     events.Publisher
	Payments   *payment.Workflow
	Refresher  *payment.Refresher
	Governance *governance.Panel
	Registrar  *registration.Service
}

// New 按配置组装全部组件，失败时释放已创建的资源
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (_ *App, err error) {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Errors:   deserrors.NewErrorHandler(logger),
		Shutdown: shutdown.NewCoordinator(config.Duration(cfg.API.ShutdownTimeout, 15*time.Second), logger),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Audit, err = logging.NewStructuredLogger(cfg.Logging); err != nil {
		logger.Warnf("创建审计日志失败，审计日志将被丢弃: %v", err)
		app.Audit, err = nil, nil
	}

	if err = app.initChain(ctx); err != nil {
		return nil, err
	}
	app.initSession(opts)

	if app.Store, err = OpenStore(cfg, logger); err != nil {
		return nil, err
	}
	app.Shutdown.RegisterCloser("directory", shutdown.OrderCloseStores, app.Store.Close)
	app.Directory = directory.NewClient(app.Store, config.Duration(cfg.Directory.QueryTimeout, 10*time.Second), logger)

	if app.Journal, err = journal.Open(cfg.Journal.Path, logger); err != nil {
		return nil, fmt.Errorf("打开支付日志失败: %w", err)
	}
	app.Shutdown.RegisterCloser("journal", shutdown.OrderCloseJournal, app.Journal.Close)

	if app.Events, err = events.NewPublisher(cfg.Events, logger); err != nil {
		return nil, fmt.Errorf("创建事件发布器失败: %w", err)
	}
	app.Shutdown.RegisterCloser("events", shutdown.OrderFlushEvents, app.Events.Close)

	if cfg.Errors != nil {
		app.Errors.SetAlertThreshold(cfg.Errors.AlertPerHour)
		if cfg.Errors.Publish {
			app.Errors.AddCallback(events.ErrorReporter(app.Events, deserrors.SeverityMedium, logger))
		}
	}

	decimals := cfg.Contract.StablecoinDecimals
	app.Payments = payment.NewWorkflow(app.Session, app.Journal, app.Events, payment.Options{
		StablecoinDecimals: decimals,
		Audit:              app.Audit,
	}, logger)
	app.Refresher = payment.NewRefresher(app.Session, app.Directory, app.Journal, decimals, payment.DefaultHistoryLimit, logger)
	app.Governance = governance.NewPanel(app.Session, app.Errors, app.Events, app.Audit, logger)
	app.Registrar = registration.NewService(app.Session, app.Events, app.Audit, decimals, logger)

	// 账户或网络变化后治理面板需要重新加载
	app.Session.OnReset(app.Governance.Reset)

	logger.Infof("应用已组装: 链 %s (%d), 合约 %s", cfg.Chain.Name, cfg.Chain.ChainID, app.Contract.Address().Hex())
	return app, nil
}

// initChain 连接RPC节点池并创建合约访问对象
func (a *App) initChain(ctx context.Context) error {
	cfg := a.Config

	a.Pool = connection.NewConnectionPool(cfg.Nodes, cfg.Chain.BigChainID(), a.Logger)
	if err := a.Pool.Initialize(ctx); err != nil {
		return fmt.Errorf("初始化RPC连接池失败: %w", err)
	}
	a.Shutdown.RegisterCloser("rpc_pool", shutdown.OrderCloseStores, a.Pool.Close)

	market, _, err := contract.ParsedABIs()
	if err != nil {
		return err
	}
	revertDecoder := decoder.NewRevertDecoder(a.Logger, cfg.Decoder, &market)

	a.Contract, err = contract.NewDesertWifi(a.Pool, contract.Options{
		Address:            common.HexToAddress(cfg.Contract.Address),
		ChainID:            cfg.Chain.BigChainID(),
		ReceiptPoll:        config.Duration(cfg.Contract.ReceiptPoll, 2*time.Second),
		ReceiptTimeout:     config.Duration(cfg.Contract.ReceiptTimeout, 3*time.Minute),
		GasLimitMultiplier: cfg.Contract.GasLimitMultiplier,
	}, revertDecoder, a.Logger)
	if err != nil {
		return fmt.Errorf("创建合约对象失败: %w", err)
	}
	return nil
}

// initSession 选择钱包并创建会话管理器
func (a *App) initSession(opts Options) {
	cfg := a.Config

	a.Provider = DetectProvider(cfg.Wallet, opts.Approver, a.Logger)
	if a.Provider != nil {
		if closer, ok := a.Provider.(interface{ Close() }); ok {
			a.Shutdown.RegisterCloser("wallet", shutdown.OrderCloseStores, func() error {
				closer.Close()
				return nil
			})
		}
	}

	sessOpts := session.Options{
		ExpectedKind: wallet.Kind(cfg.Wallet.ExpectedKind),
		Chain:        cfg.Chain,
		EventBuffer:  cfg.Wallet.EventBuffer,
	}
	if cfg.Contract.USDCAddress != "" {
		sessOpts.USDCAddress = common.HexToAddress(cfg.Contract.USDCAddress)
	}
	if cfg.Contract.USDTAddress != "" {
		sessOpts.USDTAddress = common.HexToAddress(cfg.Contract.USDTAddress)
	}

	a.Session = session.NewManager(a.Provider, session.BindDesertWifi(a.Contract), sessOpts, a.Logger)
	a.Shutdown.RegisterCloser("session", shutdown.OrderCloseSession, func() error {
		a.Session.Close()
		return nil
	})
}

// DetectProvider 按配置创建可用的钱包，配置的类型排在前面；没有可用钱包时返回nil
func DetectProvider(cfg *config.WalletConfig, approver wallet.Approver, logger *logrus.Logger) wallet.Provider {
	if cfg == nil {
		return nil
	}
	if cfg.AutoApprove {
		approver = nil
	}

	var candidates []wallet.Provider
	if cfg.KeystoreDir != "" {
		candidates = append(candidates, wallet.OpenKeystoreProvider(cfg.KeystoreDir, cfg.Passphrase, approver, logger))
	}
	if cfg.RPCURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rpcProvider, err := wallet.DialRPCProvider(ctx, cfg.RPCURL, config.Duration(cfg.PollInterval, 2*time.Second), logger)
		cancel()
		if err != nil {
			logger.Warnf("连接外部钱包失败: %v", err)
		} else if wallet.Kind(cfg.Kind) == wallet.KindRPC {
			candidates = append([]wallet.Provider{rpcProvider}, candidates...)
		} else {
			candidates = append(candidates, rpcProvider)
		}
	}

	provider := wallet.Select(candidates, wallet.Kind(cfg.Kind))
	if provider == nil {
		logger.Warn("未检测到可用的钱包")
		return nil
	}
	// 未被选中的钱包不再使用
	for _, p := range candidates {
		if p != provider {
			if closer, ok := p.(interface{ Close() }); ok {
				closer.Close()
			}
		}
	}
	logger.Infof("使用 %s 钱包", provider.Kind())
	return provider
}

// OpenStore 配置了DSN时使用Postgres目录，否则使用内存目录
func OpenStore(cfg *config.Config, logger *logrus.Logger) (directory.Store, error) {
	if cfg.Directory == nil || cfg.Directory.DSN == "" {
		logger.Warn("未配置目录数据库，使用内存目录")
		return directory.NewMemoryStore(), nil
	}
	store, err := directory.NewPostgresStore(cfg.Directory.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("打开节点目录失败: %w", err)
	}
	return store, nil
}

// Close 按顺序释放资源
func (a *App) Close() error {
	return a.Shutdown.Shutdown()
}
