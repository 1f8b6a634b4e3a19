// Package handler serves the gateway's HTTP API. Every response body is the
// structured success/error envelope; downstream payloads pass through
// unmodified inside it.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/gateway"
	"github.com/toolgate-io/toolgate/internal/gwerr"
	"github.com/toolgate-io/toolgate/internal/registry"
)

// GatewayHandler handles HTTP requests against the aggregation engine.
type GatewayHandler struct {
	gw     *gateway.Gateway
	logger *zap.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(gw *gateway.Gateway, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{gw: gw, logger: logger}
}

// Register mounts all gateway routes on the given router group.
func (h *GatewayHandler) Register(rg *gin.RouterGroup) {
	servers := rg.Group("/servers")
	{
		servers.POST("", h.RegisterServer)
		servers.GET("", h.ListServers)
		servers.GET("/:name", h.GetServer)
		servers.DELETE("/:name", h.UnregisterServer)
		servers.POST("/:name/refresh", h.RefreshServer)
	}
	rg.GET("/tools", h.ListTools)
	rg.POST("/search", h.Search)
	rg.POST("/tools/:name/call", h.CallTool)
}

// statusOf maps an error code to its HTTP status.
func statusOf(code gwerr.Code) int {
	switch code {
	case gwerr.CodeNotFound:
		return http.StatusNotFound
	case gwerr.CodeAlreadyExists:
		return http.StatusConflict
	case gwerr.CodeInvalidArgument, gwerr.CodeInvalidPattern, gwerr.CodePatternTooLong:
		return http.StatusBadRequest
	case gwerr.CodeRateLimited:
		return http.StatusTooManyRequests
	case gwerr.CodeTimeout:
		return http.StatusGatewayTimeout
	case gwerr.CodeRemoteError:
		return http.StatusBadGateway
	case gwerr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *GatewayHandler) fail(c *gin.Context, err error) {
	env := gwerr.Fail(err)
	c.JSON(statusOf(env.Error.Code), env)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gwerr.Envelope{
		Success: false,
		Error:   &gwerr.ErrorBody{Code: gwerr.CodeInvalidArgument, Message: err.Error()},
	})
}

// RegisterServerRequest is the body of POST /servers.
type RegisterServerRequest struct {
	registry.ServerRegistration
	Auth      *registry.AuthConfig `json:"auth,omitempty"`
	Overwrite bool                 `json:"overwrite,omitempty"`
}

// RegisterServer handles POST /servers.
func (h *GatewayHandler) RegisterServer(c *gin.Context) {
	var req RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	info, err := h.gw.RegisterServer(c.Request.Context(), req.ServerRegistration, req.Auth, req.Overwrite)
	if err != nil {
		h.logger.Error("register server", zap.String("server", req.Name), zap.Error(err))
		h.fail(c, err)
		return
	}
	RecordServerRegistration()
	c.JSON(http.StatusCreated, gwerr.OK(info))
}

// ListServers handles GET /servers.
func (h *GatewayHandler) ListServers(c *gin.Context) {
	infos, err := h.gw.ListServers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gwerr.OK(gin.H{"servers": infos, "count": len(infos)}))
}

// GetServer handles GET /servers/:name.
func (h *GatewayHandler) GetServer(c *gin.Context) {
	servers, err := h.gw.ListServers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	name := c.Param("name")
	for _, info := range servers {
		if info.Name == name {
			c.JSON(http.StatusOK, gwerr.OK(info))
			return
		}
	}
	h.fail(c, gwerr.New(gwerr.CodeNotFound, "server %q not registered", name))
}

// UnregisterServer handles DELETE /servers/:name.
func (h *GatewayHandler) UnregisterServer(c *gin.Context) {
	name := c.Param("name")
	if err := h.gw.UnregisterServer(c.Request.Context(), name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gwerr.OK(gin.H{"removed": name}))
}

// RefreshServer handles POST /servers/:name/refresh — re-runs discovery.
func (h *GatewayHandler) RefreshServer(c *gin.Context) {
	info, err := h.gw.RefreshServer(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gwerr.OK(info))
}

// ListTools handles GET /tools.
func (h *GatewayHandler) ListTools(c *gin.Context) {
	tools, err := h.gw.ListAllTools(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gwerr.OK(gin.H{"tools": tools, "count": len(tools)}))
}

// Search handles POST /search.
func (h *GatewayHandler) Search(c *gin.Context) {
	var req gateway.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.gw.Search(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordSearch(req.Pattern)
	c.JSON(http.StatusOK, gwerr.OK(resp))
}

// CallToolRequest is the body of POST /tools/:name/call.
type CallToolRequest struct {
	Arguments    map[string]any    `json:"arguments"`
	AuthOverride map[string]string `json:"auth_override,omitempty"`
}

// CallTool handles POST /tools/:name/call. The downstream result is
// embedded verbatim in the envelope's data field.
func (h *GatewayHandler) CallTool(c *gin.Context) {
	var req CallToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	name := c.Param("name")

	result, err := h.gw.CallTool(c.Request.Context(), name, req.Arguments, req.AuthOverride)
	RecordToolCall(err)
	if err != nil {
		h.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gwerr.OK(result))
}
