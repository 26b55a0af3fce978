package httpapi

import (
	"net/http"

	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/featureflags"
	"smallbiznis-licensing/pkg/middleware"
	"smallbiznis-licensing/services/account"
	"smallbiznis-licensing/services/admission"
	"smallbiznis-licensing/services/licence"
	"smallbiznis-licensing/services/window"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, middleware.NewEnforcer),
	fx.Invoke(RegisterRoutes),
)

type Handler struct {
	accounts  *account.Service
	licences  *licence.Service
	codec     *licence.TokenCodec
	admission *admission.Service
	window    *window.SlidingWindow
	features  featureflags.FeatureFlag
	enforcer  *casbin.Enforcer
}

type HandlerParams struct {
	fx.In
	Accounts  *account.Service
	Licences  *licence.Service
	Codec     *licence.TokenCodec
	Admission *admission.Service
	Window    *window.SlidingWindow
	Features  featureflags.FeatureFlag
	Enforcer  *casbin.Enforcer
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		accounts:  p.Accounts,
		licences:  p.Licences,
		codec:     p.Codec,
		admission: p.Admission,
		window:    p.Window,
		features:  p.Features,
		enforcer:  p.Enforcer,
	}
}

func RegisterRoutes(engine *gin.Engine, h *Handler) {
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/users", h.RegisterUser)

	authed := v1.Group("", middleware.Identity())
	{
		authed.GET("/licences/available", h.AvailableLicences)
		authed.GET("/licences/token", h.LicenceToken)
		authed.POST("/licences/token/regenerate", h.RegenerateToken)
		authed.GET("/licences/custom", h.HasCustomLicence)
		authed.POST("/licences/custom", h.UpgradeToCustom)
		authed.POST("/licences/upgrade", h.UpgradeToPredefined)

		authed.GET("/quota/stats", h.ExecutionStats)

		authed.GET("/applications", h.ListApplications)
		authed.POST("/applications", h.CreateApplication)
		authed.DELETE("/applications/:id", h.RetireApplication)
		authed.POST("/applications/:id/executions", h.Execute)
		authed.GET("/applications/:id/executions", h.ExecutionHistory)
		authed.GET("/applications/:id/window", h.Window)

		authed.POST("/debug/advance-time", h.AdvanceTime)
	}

	admin := v1.Group("/admin", middleware.Identity(), middleware.Authorize(h.enforcer))
	{
		admin.GET("/licences/statistics", h.LicenceStatistics)
		admin.PATCH("/licences/:id", h.UpdateLicenceLimits)
	}
}

func (h *Handler) currentUser(c *gin.Context) (*account.User, bool) {
	user, err := h.accounts.GetUser(c.Request.Context(), middleware.UserID(c.Request.Context()))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	return user, true
}

// accessibleApplication loads :id and checks the caller may use it.
func (h *Handler) accessibleApplication(c *gin.Context, user *account.User) (*account.Application, bool) {
	ctx := c.Request.Context()

	app, err := h.accounts.GetApplication(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}

	ok, err := h.accounts.CanAccess(ctx, user.ID, app)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if !ok {
		_ = c.Error(errutil.Forbidden("application is not accessible", nil))
		return nil, false
	}
	return app, true
}

func (h *Handler) RegisterUser(c *gin.Context) {
	var req account.CreateUserParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	user, err := h.accounts.CreateUser(ctx, req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.licences.AssignInitial(ctx, user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	user, err = h.accounts.GetUser(ctx, user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user, "licence": res})
}

func (h *Handler) AvailableLicences(c *gin.Context) {
	licences, err := h.licences.AvailableForUpgrade(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"licences": licences})
}

func (h *Handler) LicenceToken(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	claims, err := h.codec.LicenceData(user.LicenceToken)
	if err != nil {
		_ = c.Error(licence.TokenError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"claims": claims, "valid": h.codec.IsValid(user.LicenceToken)})
}

func (h *Handler) RegenerateToken(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	if _, err := h.licences.RegenerateUserToken(c.Request.Context(), user.ID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) HasCustomLicence(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	has, err := h.licences.HasCustomLicence(c.Request.Context(), user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_custom_licence": has})
}

func (h *Handler) UpgradeToPredefined(c *gin.Context) {
	var req struct {
		LicenceID string `json:"licence_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("licence_id is required", err))
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	res, err := h.licences.UpgradeToPredefined(c.Request.Context(), user.ID, req.LicenceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := res.Err(); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) UpgradeToCustom(c *gin.Context) {
	var req licence.CustomLimits
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	res, err := h.licences.UpgradeToCustom(c.Request.Context(), user.ID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := res.Err(); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) ExecutionStats(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	stats, err := h.admission.ExecutionStats(c.Request.Context(), user)
	if err != nil {
		_ = c.Error(licence.TokenError(err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListApplications(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	apps, err := h.accounts.ListApplications(c.Request.Context(), user.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

func (h *Handler) CreateApplication(c *gin.Context) {
	var req account.CreateApplicationParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	d, err := h.admission.MayRegisterApplication(ctx, user)
	if err != nil {
		_ = c.Error(licence.TokenError(err))
		return
	}
	if !d.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"decision": d})
		return
	}

	app, err := h.accounts.CreateApplication(ctx, user.ID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"application": app, "decision": d})
}

func (h *Handler) RetireApplication(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	if err := h.accounts.RetireApplication(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Execute(c *gin.Context) {
	var req admission.ExecuteParams
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	app, ok := h.accessibleApplication(c, user)
	if !ok {
		return
	}

	d, e, err := h.admission.Execute(c.Request.Context(), user, app, req)
	if err != nil {
		_ = c.Error(licence.TokenError(err))
		return
	}
	if !d.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"decision": d})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"decision": d, "execution": e})
}

func (h *Handler) ExecutionHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	app, ok := h.accessibleApplication(c, user)
	if !ok {
		return
	}

	rows, info, err := h.window.History(c.Request.Context(), user.ID, app.ID, page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows, "page_info": info})
}

func (h *Handler) Window(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	app, ok := h.accessibleApplication(c, user)
	if !ok {
		return
	}

	snap, err := h.admission.Snapshot(c.Request.Context(), user, app.ID)
	if err != nil {
		_ = c.Error(licence.TokenError(err))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) AdvanceTime(c *gin.Context) {
	ctx := c.Request.Context()
	if !h.features.IsEnabled(ctx, middleware.UserID(ctx), featureflags.DebugAdvanceTime) {
		_ = c.Error(errutil.NotFound("not found", nil))
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	n, err := h.admission.AdvanceTime(ctx, user)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": n})
}

func (h *Handler) LicenceStatistics(c *gin.Context) {
	st, err := h.licences.Statistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) UpdateLicenceLimits(c *gin.Context) {
	var req licence.LimitsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	l, err := h.licences.UpdateLimits(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}
