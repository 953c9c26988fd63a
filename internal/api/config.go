package api

import (
	"database/sql"
	"errors"
	"net/http"

	"deslink/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RuntimeConfig 数据库中的运行参数和RPC节点
type RuntimeConfig interface {
	ListConfigs() (map[string]string, error)
	GetConfig(key string) (string, error)
	UpdateConfig(key, value string) error
	ListRPCEndpoints(activeOnly bool) ([]*config.RPCEndpoint, error)
	UpsertRPCEndpoint(ep *config.RPCEndpoint) error
	DeleteRPCEndpoint(name string) error
}

// ConfigHandler 配置接口，修改只写入数据库，重启后生效
type ConfigHandler struct {
	file    *config.Config
	runtime RuntimeConfig
	logger  *logrus.Logger
}

// NewConfigHandler 创建配置接口，runtime 为空时只提供文件配置
func NewConfigHandler(file *config.Config, runtime RuntimeConfig, logger *logrus.Logger) *ConfigHandler {
	return &ConfigHandler{file: file, runtime: runtime, logger: logger}
}

func (h *ConfigHandler) register(group *gin.RouterGroup) {
	group.GET("/config", h.getFileConfig)

	runtime := group.Group("/config/runtime", h.requireRuntime)
	{
		runtime.GET("", h.listRuntime)
		runtime.GET("/:key", h.getRuntime)
		runtime.PUT("/:key", h.updateRuntime)
	}

	endpoints := group.Group("/config/rpc-endpoints", h.requireRuntime)
	{
		endpoints.GET("", h.listEndpoints)
		endpoints.PUT("/:name", h.upsertEndpoint)
		endpoints.DELETE("/:name", h.deleteEndpoint)
	}
}

func (h *ConfigHandler) requireRuntime(c *gin.Context) {
	if h.runtime == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{
			"error": "Runtime configuration database is not configured",
		})
		return
	}
	c.Next()
}

// getFileConfig 当前生效的文件配置，隐藏口令和连接串
func (h *ConfigHandler) getFileConfig(c *gin.Context) {
	if h.file == nil {
		c.JSON(http.StatusOK, gin.H{"config": nil})
		return
	}

	redacted := *h.file
	if h.file.Wallet != nil {
		w := *h.file.Wallet
		if w.Passphrase != "" {
			w.Passphrase = "***"
		}
		redacted.Wallet = &w
	}
	if h.file.Directory != nil {
		d := *h.file.Directory
		if d.DSN != "" {
			d.DSN = "***"
		}
		redacted.Directory = &d
	}
	c.JSON(http.StatusOK, gin.H{"config": redacted})
}

func (h *ConfigHandler) listRuntime(c *gin.Context) {
	values, err := h.runtime.ListConfigs()
	if err != nil {
		h.logger.Errorf("读取运行参数失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load runtime configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": values})
}

func (h *ConfigHandler) getRuntime(c *gin.Context) {
	key := c.Param("key")
	value, err := h.runtime.GetConfig(key)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Configuration key not found", "key": key})
		return
	}
	if err != nil {
		h.logger.Errorf("读取运行参数 %s 失败: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load runtime configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (h *ConfigHandler) updateRuntime(c *gin.Context) {
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	if err := h.runtime.UpdateConfig(key, req.Value); err != nil {
		h.logger.Errorf("更新运行参数 %s 失败: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update runtime configuration"})
		return
	}
	h.logger.Infof("运行参数已更新: %s", key)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value, "restart_required": true})
}

func (h *ConfigHandler) listEndpoints(c *gin.Context) {
	endpoints, err := h.runtime.ListRPCEndpoints(c.Query("active") == "true")
	if err != nil {
		h.logger.Errorf("读取RPC节点失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load RPC endpoints"})
		return
	}
	if endpoints == nil {
		endpoints = []*config.RPCEndpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints, "total": len(endpoints)})
}

func (h *ConfigHandler) upsertEndpoint(c *gin.Context) {
	var req struct {
		URL      string `json:"url" binding:"required"`
		Priority int    `json:"priority"`
		IsActive *bool  `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep := &config.RPCEndpoint{
		Name:     c.Param("name"),
		URL:      req.URL,
		Priority: req.Priority,
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	if err := h.runtime.UpsertRPCEndpoint(ep); err != nil {
		h.logger.Errorf("保存RPC节点 %s 失败: %v", ep.Name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save RPC endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": ep, "restart_required": true})
}

func (h *ConfigHandler) deleteEndpoint(c *gin.Context) {
	name := c.Param("name")
	if err := h.runtime.DeleteRPCEndpoint(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name, "restart_required": true})
}
