package controller

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/common/config"
	"github.com/kirobridge/kirobridge/credential"
	"github.com/kirobridge/kirobridge/token"
)

// balanceCacheTTL bounds how often the admin surface re-queries the
// upstream getUsageLimits endpoint per credential (EXPANDED §C8
// "BALANCE_CACHE_TTL_SECS").
const balanceCacheTTL = 300 * time.Second

// AdminDeps bundles the credential pool and token manager the admin
// surface (C8) needs, plus an in-memory per-credential balance cache.
type AdminDeps struct {
	Pool   *credential.Pool
	Tokens *token.Manager
	Config *config.Config

	cacheMu sync.Mutex
	cache   map[int64]balanceCacheEntry
}

type balanceCacheEntry struct {
	resp    balanceResponse
	fetched time.Time
}

// NewAdminDeps builds the admin-surface dependency bundle.
func NewAdminDeps(pool *credential.Pool, tokens *token.Manager, cfg *config.Config) *AdminDeps {
	return &AdminDeps{Pool: pool, Tokens: tokens, Config: cfg, cache: make(map[int64]balanceCacheEntry)}
}

// credentialView is the admin-facing rendering of a credential: no
// refreshToken/accessToken/clientSecret ever leaves the process (§C8
// "never exposes secret material").
type credentialView struct {
	ID               int64      `json:"id"`
	Email            string     `json:"email,omitempty"`
	AuthMethod       string     `json:"authMethod,omitempty"`
	HasProfileArn    bool       `json:"hasProfileArn"`
	RefreshTokenHash string     `json:"refreshTokenHash"`
	Priority         int        `json:"priority"`
	FailureCount     int64      `json:"failureCount"`
	SuccessCount     int64      `json:"successCount"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
	Disabled         bool       `json:"disabled"`
	DisabledReason   string     `json:"disabledReason,omitempty"`
	HasProxy         bool       `json:"hasProxy"`
	ProxyURL         string     `json:"proxyUrl,omitempty"`
	Current          bool       `json:"current"`
}

func toCredentialView(c credential.Credential, currentID int64) credentialView {
	return credentialView{
		ID:               c.ID,
		Email:            c.Email,
		AuthMethod:       string(c.AuthMethod),
		HasProfileArn:    c.ProfileArn != "",
		RefreshTokenHash: c.RefreshTokenHash(),
		Priority:         c.Priority,
		FailureCount:     c.FailureCount,
		SuccessCount:     c.SuccessCount,
		LastUsedAt:       c.LastUsedAt,
		Disabled:         c.Disabled,
		DisabledReason:   string(c.DisabledReason),
		HasProxy:         c.HasProxy(),
		ProxyURL:         c.ProxyURL,
		Current:          c.ID == currentID,
	}
}

// ListCredentials handles GET /api/admin/credentials.
func (a *AdminDeps) ListCredentials(c *gin.Context) {
	list := a.Pool.List()
	current := a.Pool.Current()
	out := make([]credentialView, len(list))
	for i, cred := range list {
		out[i] = toCredentialView(cred, current)
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// addCredentialRequest is the admin-surface body for POST
// /api/admin/credentials.
type addCredentialRequest struct {
	Email         string `json:"email"`
	RefreshToken  string `json:"refreshToken"`
	AuthMethod    string `json:"authMethod"`
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret"`
	ProfileArn    string `json:"profileArn"`
	Region        string `json:"region"`
	AuthRegion    string `json:"authRegion"`
	APIRegion     string `json:"apiRegion"`
	MachineID     string `json:"machineId"`
	ProxyURL      string `json:"proxyUrl"`
	ProxyUsername string `json:"proxyUsername"`
	ProxyPassword string `json:"proxyPassword"`
	Priority      int    `json:"priority"`
}

// AddCredential handles POST /api/admin/credentials.
func (a *AdminDeps) AddCredential(c *gin.Context) {
	var req addCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}

	cred := &credential.Credential{
		Email:         req.Email,
		RefreshToken:  req.RefreshToken,
		AuthMethod:    credential.AuthMethod(req.AuthMethod),
		ClientID:      req.ClientID,
		ClientSecret:  req.ClientSecret,
		ProfileArn:    req.ProfileArn,
		Region:        req.Region,
		AuthRegion:    req.AuthRegion,
		APIRegion:     req.APIRegion,
		MachineID:     req.MachineID,
		ProxyURL:      req.ProxyURL,
		ProxyUsername: req.ProxyUsername,
		ProxyPassword: req.ProxyPassword,
		Priority:      req.Priority,
	}

	id, err := a.Pool.Add(cred)
	if err != nil {
		if errors.Is(err, credential.ErrDuplicateCredential) {
			adminError(c, http.StatusConflict, err)
			return
		}
		adminError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// DeleteCredential handles DELETE /api/admin/credentials/:id.
func (a *AdminDeps) DeleteCredential(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.Pool.Delete(id); err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDisabled returns a handler for POST
// /api/admin/credentials/:id/{disable,enable}.
func (a *AdminDeps) SetDisabled(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			adminError(c, http.StatusBadRequest, err)
			return
		}
		if err := a.Pool.SetDisabled(id, disabled); err != nil {
			adminError(c, http.StatusNotFound, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type setPriorityRequest struct {
	Priority int `json:"priority"`
}

// SetPriority handles POST /api/admin/credentials/:id/priority.
func (a *AdminDeps) SetPriority(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	var req setPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.Pool.SetPriority(id, req.Priority); err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResetFailure handles POST /api/admin/credentials/:id/reset-failure.
func (a *AdminDeps) ResetFailure(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.Pool.ResetFailure(id); err != nil {
		adminError(c, http.StatusNotFound, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// balanceResponse is the admin-surface rendering of an upstream
// getUsageLimits call (EXPANDED §C8 "balance endpoint"): subscription,
// usage/limit, remaining and percentage consumed, and the upstream reset
// schedule.
type balanceResponse struct {
	SubscriptionTitle string   `json:"subscriptionTitle,omitempty"`
	UsageLimit        float64  `json:"usageLimit"`
	CurrentUsage      float64  `json:"currentUsage"`
	Remaining         float64  `json:"remaining"`
	UsagePercentage   float64  `json:"usagePercentage"`
	NextResetAt       *float64 `json:"nextResetAt,omitempty"`
	FreeTrialExpiry   *float64 `json:"freeTrialExpiry,omitempty"`
	Cached            bool     `json:"cached"`
}

// Balance handles GET /api/admin/credentials/:id/balance, caching the
// upstream response for balanceCacheTTL per credential id.
func (a *AdminDeps) Balance(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}

	a.cacheMu.Lock()
	if entry, ok := a.cache[id]; ok && time.Since(entry.fetched) < balanceCacheTTL {
		resp := entry.resp
		resp.Cached = true
		a.cacheMu.Unlock()
		c.JSON(http.StatusOK, resp)
		return
	}
	a.cacheMu.Unlock()

	list := a.Pool.List()
	var cred *credential.Credential
	for i := range list {
		if list[i].ID == id {
			cred = &list[i]
			break
		}
	}
	if cred == nil {
		adminError(c, http.StatusNotFound, errors.Errorf("credential not found: %d", id))
		return
	}

	limits, err := a.Tokens.GetUsageLimits(c.Request.Context(), cred, a.Tokens.APIRegion())
	if err != nil {
		adminError(c, http.StatusBadGateway, err)
		return
	}

	limit := limits.UsageLimit()
	usage := limits.CurrentUsage()
	var percentage float64
	if limit > 0 {
		percentage = usage / limit * 100
	}

	resp := balanceResponse{
		SubscriptionTitle: limits.SubscriptionTitle(),
		UsageLimit:        limit,
		CurrentUsage:      usage,
		Remaining:         limit - usage,
		UsagePercentage:   percentage,
		NextResetAt:       limits.NextDateReset,
		FreeTrialExpiry:   limits.FreeTrialExpiry(),
	}

	a.cacheMu.Lock()
	a.cache[id] = balanceCacheEntry{resp: resp, fetched: time.Now()}
	a.cacheMu.Unlock()

	c.JSON(http.StatusOK, resp)
}

// GetLoadBalancingMode handles GET /api/admin/load-balancing-mode.
func (a *AdminDeps) GetLoadBalancingMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loadBalancingMode": a.Pool.Mode()})
}

type setLoadBalancingModeRequest struct {
	LoadBalancingMode credential.LoadBalancingMode `json:"loadBalancingMode"`
}

// SetLoadBalancingMode handles POST /api/admin/load-balancing-mode,
// persisting the toggle back to the config file (resolved from
// original_source's set_load_balancing_mode, per SPEC_FULL.md).
func (a *AdminDeps) SetLoadBalancingMode(c *gin.Context) {
	var req setLoadBalancingModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		adminError(c, http.StatusBadRequest, err)
		return
	}
	if req.LoadBalancingMode != credential.LoadBalancingPriority && req.LoadBalancingMode != credential.LoadBalancingBalanced {
		adminError(c, http.StatusBadRequest, errors.Errorf("invalid loadBalancingMode: %q", req.LoadBalancingMode))
		return
	}

	a.Pool.SetMode(req.LoadBalancingMode)
	a.Config.LoadBalancingMode = string(req.LoadBalancingMode)
	if err := a.Config.Save(); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pathID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func adminError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
