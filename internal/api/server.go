package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"deslink/internal/chain"
	"deslink/internal/directory"
	deserrors "deslink/internal/errors"
	"deslink/internal/governance"
	"deslink/internal/journal"
	"deslink/internal/payment"
	"deslink/internal/registration"
	"deslink/internal/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Session API需要的会话能力，session.Manager 满足该接口
type Session interface {
	payment.DashboardSource
	Snapshot() session.Session
	Connect(ctx context.Context) error
	Disconnect() error
	Chain() *chain.Params
}

// Deps API依赖的组件
type Deps struct {
	Session    Session
	Directory  *directory.Client
	Payments   *payment.Workflow
	Governance *governance.Panel
	Registrar  *registration.Service
	Journal    *journal.Journal
	Errors     *deserrors.ErrorHandler
	Config     *ConfigHandler
	// StablecoinDecimals 稳定币精度，用于按支付日志标注历史记录币种，默认6
	StablecoinDecimals int32
	// Refresher 支付成功后重新读取支付历史和节点列表，可以为空
	Refresher *payment.Refresher
}

// Server API服务器
type Server struct {
	deps   Deps
	logger *logrus.Logger
	logs   *LogRing
	router *gin.Engine
	server *http.Server
	port   int
}

// NewServer 创建API服务器
func NewServer(deps Deps, logger *logrus.Logger, port int) *Server {
	logs := NewLogRing(1000)
	logger.AddHook(NewHook(logs))

	s := &Server{
		deps:   deps,
		logger: logger,
		logs:   logs,
		port:   port,
	}
	s.router = s.buildRouter()
	return s
}

// Handler HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞到服务器关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Recovery())

	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		api.GET("/session", s.getSession)
		api.POST("/session/connect", s.connect)
		api.POST("/session/disconnect", s.disconnect)

		api.GET("/nodes", s.searchNodes)
		api.GET("/nodes/sync-status", s.getSyncStatus)
		api.GET("/nodes/:id", s.getNode)
		api.POST("/nodes", s.registerNode)

		api.GET("/payments", s.getPayments)
		api.POST("/payments", s.submitPayment)
		api.GET("/payments/status", s.getPaymentStatus)
		api.GET("/payments/journal", s.getJournal)
		api.GET("/payments/options", s.getPaymentOptions)

		api.GET("/stats", s.getStats)
		api.GET("/dashboard", s.getDashboard)

		api.GET("/governance", s.getGovernance)
		api.POST("/governance/proposals/:id/vote", s.vote)
		api.POST("/governance/proposals/:id/execute", s.execute)

		api.GET("/explorer/:address", s.explorerLink)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
		api.GET("/errors", s.getErrorStats)
		api.DELETE("/errors", s.clearErrorStats)

		if s.deps.Config != nil {
			s.deps.Config.register(api)
		}
	}
	return router
}

// statusFor 错误码对应的HTTP状态
func statusFor(err error) int {
	if errors.Is(err, directory.ErrNodeNotFound) {
		return http.StatusNotFound
	}
	switch deserrors.Code(err) {
	case "VALIDATION_FAILED", "CONFIG_INVALID":
		return http.StatusBadRequest
	case "NOT_CONNECTED":
		return http.StatusUnauthorized
	case "ACTION_NOT_ALLOWED", "USER_REJECTED", "PAYMENT_REJECTED", "WALLET_MISMATCH", "NO_ACCOUNTS":
		return http.StatusConflict
	case "PROVIDER_MISSING", "QUERY_FAILED":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": deserrors.UserMessage(err),
		"code":  deserrors.Code(err),
	})
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "deslink-api",
	})
}

func sessionView(sess session.Session) gin.H {
	view := gin.H{
		"account":      nil,
		"short":        "",
		"chain_id":     sess.ChainID,
		"is_connected": sess.IsConnected,
		"is_loading":   sess.IsLoading,
		"state":        sess.State.String(),
		"last_error":   sess.LastError,
	}
	if sess.Account != nil {
		view["account"] = sess.Account.Hex()
		view["short"] = chain.ShortAddress(sess.Account.Hex())
	}
	return view
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, sessionView(s.deps.Session.Snapshot()))
}

func (s *Server) connect(c *gin.Context) {
	if err := s.deps.Session.Connect(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s.deps.Session.Snapshot()))
}

func (s *Server) disconnect(c *gin.Context) {
	if err := s.deps.Session.Disconnect(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s.deps.Session.Snapshot()))
}

// parseFilters 解析查询参数中的搜索条件
func parseFilters(c *gin.Context) (directory.Filters, error) {
	f := directory.Filters{
		SearchQuery: c.Query("q"),
		ActiveOnly:  c.Query("active") == "true",
	}

	prices := []struct {
		param  string
		target **decimal.Decimal
	}{
		{"min_price_eth", &f.MinPriceETH},
		{"max_price_eth", &f.MaxPriceETH},
		{"min_price_usd", &f.MinPriceUSD},
		{"max_price_usd", &f.MaxPriceUSD},
	}
	for _, p := range prices {
		raw := strings.TrimSpace(c.Query(p.param))
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return f, deserrors.ErrDataValidation.WithReason("Invalid " + p.param)
		}
		*p.target = &d
	}

	if raw := strings.TrimSpace(c.Query("min_reputation")); raw != "" {
		rep, err := strconv.Atoi(raw)
		if err != nil {
			return f, deserrors.ErrDataValidation.WithReason("Invalid min_reputation")
		}
		f.MinReputation = &rep
	}
	return f, nil
}

func (s *Server) searchNodes(c *gin.Context) {
	f, err := parseFilters(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	result := s.deps.Directory.Search(c.Request.Context(), f, directory.SortBy(c.Query("sort")))
	if result.Failed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"nodes":   result.Nodes,
			"outcome": result.Outcome,
			"error":   deserrors.UserMessage(result.Err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":   result.Nodes,
		"outcome": result.Outcome,
		"total":   len(result.Nodes),
	})
}

func (s *Server) getNode(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(c, deserrors.ErrDataValidation.WithReason("Please enter a valid node ID"))
		return
	}

	node, err := s.deps.Directory.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, directory.ErrNodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Node %d not found", id)})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node, "tier": node.Tier()})
}

func (s *Server) getSyncStatus(c *gin.Context) {
	st, err := s.deps.Directory.GetSyncStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync_status": st})
}

func (s *Server) registerNode(c *gin.Context) {
	form := registration.DefaultForm()
	if err := c.ShouldBindJSON(&form); err != nil {
		s.fail(c, deserrors.ErrDataValidation.WithReason("Invalid request body"))
		return
	}

	result, err := s.deps.Registrar.Register(c.Request.Context(), form)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error": registration.Message(err),
			"code":  deserrors.Code(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registration": result})
}

func limitParam(c *gin.Context, fallback int) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return fallback
}

// labeler 用本地支付日志标注历史记录的币种
func (s *Server) labeler() payment.Labeler {
	decimals := s.deps.StablecoinDecimals
	if decimals <= 0 {
		decimals = 6
	}
	label, err := payment.HistoryLabeler(s.deps.Journal, decimals)
	if err != nil {
		s.logger.Warnf("读取支付日志失败，历史记录按ETH展示: %v", err)
	}
	return label
}

func (s *Server) getPayments(c *gin.Context) {
	payments := s.deps.Session.GetUserPayments(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"history": payment.BuildLabeledHistory(payments, limitParam(c, payment.DefaultHistoryLimit), s.labeler()),
		"total":   len(payments),
	})
}

func (s *Server) submitPayment(c *gin.Context) {
	form := s.deps.Payments.Form()
	if err := c.ShouldBindJSON(&form); err != nil {
		s.fail(c, deserrors.ErrDataValidation.WithReason("Invalid request body"))
		return
	}

	var refresh func(ctx context.Context)
	if s.deps.Refresher != nil {
		refresh = s.deps.Refresher.Refresh
	}

	receipt, err := s.deps.Payments.Submit(c.Request.Context(), form, nil, refresh)
	if err != nil {
		s.fail(c, err)
		return
	}
	status, _ := s.deps.Payments.Status()
	resp := gin.H{"receipt": receipt, "status": status}
	if s.deps.Refresher != nil {
		resp["refreshed"] = s.deps.Refresher.Latest()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPaymentStatus(c *gin.Context) {
	status, msg := s.deps.Payments.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"error":  msg,
		"form":   s.deps.Payments.Form(),
	})
}

func (s *Server) getPaymentOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"durations": payment.DurationOptions,
		"defaults":  payment.DefaultForm(),
	})
}

func (s *Server) getJournal(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []journal.Entry{}, "stats": nil})
		return
	}
	entries, err := s.deps.Journal.List(limitParam(c, 50))
	if err != nil {
		s.logger.Errorf("读取支付日志失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payment journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "stats": s.deps.Journal.GetStats()})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.deps.Session.GetNetworkStats(c.Request.Context())})
}

func (s *Server) getDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, payment.LoadLabeledDashboard(c.Request.Context(), s.deps.Session, limitParam(c, payment.DefaultHistoryLimit), s.labeler()))
}

func (s *Server) getGovernance(c *gin.Context) {
	sess := s.deps.Session.Snapshot()
	if sess.Account == nil {
		s.fail(c, deserrors.ErrNotConnected)
		return
	}

	// 缓存的面板属于当前账户时直接返回，refresh=true 强制重新加载
	if state := s.deps.Governance.State(); state != nil && c.Query("refresh") != "true" &&
		state.Account != nil && *state.Account == *sess.Account {
		c.JSON(http.StatusOK, state)
		return
	}

	state, err := s.deps.Governance.Load(c.Request.Context(), *sess.Account)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func proposalID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, deserrors.ErrDataValidation.WithReason("Invalid proposal ID")
	}
	return id, nil
}

func (s *Server) vote(c *gin.Context) {
	id, err := proposalID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req struct {
		Support *bool `json:"support" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, deserrors.ErrDataValidation.WithReason("support is required"))
		return
	}

	view, err := s.deps.Governance.Vote(c.Request.Context(), id, *req.Support)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": view})
}

func (s *Server) execute(c *gin.Context) {
	id, err := proposalID(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	view, err := s.deps.Governance.Execute(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": view})
}

func (s *Server) explorerLink(c *gin.Context) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		s.fail(c, deserrors.ErrDataValidation.WithReason("Invalid address"))
		return
	}
	addr := common.HexToAddress(raw)
	c.JSON(http.StatusOK, gin.H{
		"address": addr.Hex(),
		"short":   chain.ShortAddress(addr.Hex()),
		"url":     s.deps.Session.Chain().ExplorerAddressURL(addr),
	})
}

func (s *Server) getLogs(c *gin.Context) {
	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}
	level := c.Query("level")

	logs, total := s.logs.Page(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logs.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "Logs cleared"})
}

func (s *Server) getErrorStats(c *gin.Context) {
	if s.deps.Errors == nil {
		c.JSON(http.StatusOK, gin.H{"total_errors": 0})
		return
	}
	stats := s.deps.Errors.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"total_errors":        stats.TotalErrors,
		"errors_by_component": stats.ErrorsByComponent,
		"last_error_time":     stats.LastErrorTime,
	})
}

func (s *Server) clearErrorStats(c *gin.Context) {
	if s.deps.Errors != nil {
		s.deps.Errors.ClearStats()
	}
	c.JSON(http.StatusOK, gin.H{"message": "Error stats cleared"})
}
