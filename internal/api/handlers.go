package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/tradeloop-engine/internal/db"
	"github.com/rawblock/tradeloop-engine/internal/dispatch"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/internal/webhook"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

type APIHandler struct {
	registry   *tenant.Registry
	dispatcher *dispatch.Dispatcher
	webhooks   *webhook.Dispatcher
	dbStore    *db.PostgresStore
	wsHub      *Hub
	startedAt  time.Time
}

// bindStrict decodes a JSON body rejecting unknown fields, so typos like
// "walletID" fail loudly instead of silently producing empty submissions.
func bindStrict(c *gin.Context, dst any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Trailing garbage after the document is also a malformed body.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// ─── Admin: tenant management ───────────────────────────────────────

type createTenantRequest struct {
	Name         string                 `json:"name"`
	ContactEmail string                 `json:"contactEmail"`
	Settings     *models.TenantSettings `json:"settings"`
}

func tenantView(t *tenant.Tenant) gin.H {
	return gin.H{
		"id":           t.ID,
		"name":         t.Name,
		"contactEmail": t.ContactEmail,
		"createdAt":    t.CreatedAt,
		"settings":     t.Settings(),
	}
}

// handleCreateTenant provisions a tenant. The API key and webhook secret
// appear in this response only; neither is ever returned again.
func (h *APIHandler) handleCreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "invalid request body", err.Error())
		return
	}

	var settings models.TenantSettings
	if req.Settings != nil {
		settings = *req.Settings
	}
	t, apiKey, err := h.registry.Create(req.Name, req.ContactEmail, settings)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenant":        tenantView(t),
		"apiKey":        apiKey,
		"webhookSecret": t.WebhookSecret,
	})
}

func (h *APIHandler) handleGetTenant(c *gin.Context) {
	t, ok := h.registry.Get(models.TenantID(c.Param("id")))
	if !ok {
		respondError(c, http.StatusNotFound, codeNotFound, "tenant not found", "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": tenantView(t)})
}

func (h *APIHandler) handleListTenants(c *gin.Context) {
	all := h.registry.All()
	out := make([]gin.H, 0, len(all))
	for _, t := range all {
		out = append(out, tenantView(t))
	}
	c.JSON(http.StatusOK, gin.H{"tenants": out, "count": len(out)})
}

func (h *APIHandler) handleUpdateTenant(c *gin.Context) {
	var settings models.TenantSettings
	if err := bindStrict(c, &settings); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "invalid request body", err.Error())
		return
	}
	id := models.TenantID(c.Param("id"))
	if err := h.registry.UpdateSettings(id, settings); err != nil {
		mapError(c, err)
		return
	}
	t, _ := h.registry.Get(id)
	c.JSON(http.StatusOK, gin.H{"tenant": tenantView(t)})
}

func (h *APIHandler) handleDeleteTenant(c *gin.Context) {
	id := models.TenantID(c.Param("id"))
	if err := h.registry.Delete(id); err != nil {
		mapError(c, err)
		return
	}
	h.dispatcher.StopTenant(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleRegenerateKey rotates a tenant's API key. The old key stops
// working the moment this returns.
func (h *APIHandler) handleRegenerateKey(c *gin.Context) {
	id := models.TenantID(c.Param("id"))
	apiKey, err := h.registry.RegenerateKey(id)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": id, "apiKey": apiKey})
}

// ─── Tenant: inventory and wants ────────────────────────────────────

func (h *APIHandler) handleSubmitInventory(c *gin.Context) {
	t := currentTenant(c)

	var req models.InventorySubmitRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "invalid request body", err.Error())
		return
	}
	if req.WalletID == "" || len(req.NFTs) == 0 {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "walletId and nfts are required", "")
		return
	}

	if ok, retry := t.Quota.Allow(tenant.DimAssetSubmit, len(req.NFTs)); !ok {
		respondRateLimited(c, codeRateLimited, "asset submission quota exhausted", retry)
		return
	}

	out := h.dispatcher.SubmitInventory(c.Request.Context(), t, req.WalletID, req.NFTs)
	if out.Err != nil {
		mapError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, models.InventorySubmitResponse{
		Success:            true,
		NewLoopsDiscovered: out.NewLoops,
		ChangedWallets:     out.ChangedWallets,
		Partial:            out.Partial,
	})
}

func (h *APIHandler) handleSubmitWants(c *gin.Context) {
	t := currentTenant(c)

	var req models.WantsSubmitRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "invalid request body", err.Error())
		return
	}
	if req.WalletID == "" {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "walletId is required", "")
		return
	}

	out := h.dispatcher.SubmitWants(c.Request.Context(), t, req.WalletID, req.WantedNFTs)
	if out.Err != nil {
		mapError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, models.WantsSubmitResponse{
		Success:            true,
		NewLoopsDiscovered: out.NewLoops,
		SkippedOwnedWants:  out.Skipped,
		Partial:            out.Partial,
	})
}

func (h *APIHandler) handleRemoveWallet(c *gin.Context) {
	t := currentTenant(c)
	out := h.dispatcher.RemoveWallet(c.Request.Context(), t, models.WalletID(c.Param("walletId")))
	if out.Err != nil {
		mapError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changedWallets": out.ChangedWallets})
}

func (h *APIHandler) handleRemoveAsset(c *gin.Context) {
	t := currentTenant(c)
	out := h.dispatcher.RemoveAsset(c.Request.Context(), t, models.AssetID(c.Param("assetId")))
	if out.Err != nil {
		mapError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changedWallets": out.ChangedWallets})
}

func (h *APIHandler) handleRemoveWant(c *gin.Context) {
	t := currentTenant(c)
	out := h.dispatcher.RemoveWant(c.Request.Context(), t,
		models.WalletID(c.Param("walletId")), models.AssetID(c.Param("assetId")))
	if out.Err != nil {
		mapError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changedWallets": out.ChangedWallets})
}

// ─── Tenant: discovery ──────────────────────────────────────────────

// handleDiscoverTrades serves cached admitted loops for a wallet. All
// enumeration work happened at submit time; this path only reads the
// cycle cache.
func (h *APIHandler) handleDiscoverTrades(c *gin.Context) {
	t := currentTenant(c)

	var req models.DiscoveryRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "invalid request body", err.Error())
		return
	}
	if req.WalletID == "" {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "walletId is required", "")
		return
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "minScore must be in [0,1]", "")
		return
	}

	if ok, retry := t.Quota.Allow(tenant.DimDiscovery, 1); !ok {
		respondRateLimited(c, codeRateLimited, "discovery request quota exhausted", retry)
		return
	}
	t.Usage.DiscoveryRequests.Add(1)

	limit := req.Limit
	if limit <= 0 || limit > t.Settings().MaxCyclesPerRequest {
		limit = t.Settings().MaxCyclesPerRequest
	}

	trades := t.Cache.QueryByWallet(req.WalletID, limit, req.MinScore)
	if trades == nil {
		trades = []models.TradeLoop{}
	}
	c.JSON(http.StatusOK, models.DiscoveryResponse{Trades: trades})
}

// ─── Tenant: status, dead letters ───────────────────────────────────

func (h *APIHandler) handleStatus(c *gin.Context) {
	t := currentTenant(c)
	c.JSON(http.StatusOK, gin.H{
		"tenantId": t.ID,
		"graph":    t.Graph.Stats(),
		"cache":    t.Cache.Stats(),
		"usage": gin.H{
			"discoveryRequests": t.Usage.DiscoveryRequests.Load(),
			"assetsSubmitted":   t.Usage.AssetsSubmitted.Load(),
			"wantsSubmitted":    t.Usage.WantsSubmitted.Load(),
			"loopsDiscovered":   t.Usage.LoopsDiscovered.Load(),
			"webhooksDelivered": t.Usage.WebhooksDelivered.Load(),
			"webhooksDead":      t.Usage.WebhooksDead.Load(),
		},
		"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
	})
}

func (h *APIHandler) handleDeadLetters(c *gin.Context) {
	t := currentTenant(c)
	if h.webhooks == nil {
		c.JSON(http.StatusOK, gin.H{"deadLetters": []webhook.DeadLetter{}})
		return
	}
	dls := h.webhooks.DeadLetters(t.ID)
	if dls == nil {
		dls = []webhook.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": dls, "count": len(dls)})
}

// ─── Public ─────────────────────────────────────────────────────────

// handleHealth returns engine status and capabilities for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "TradeLoop Discovery Engine v1.0",
		"capabilities": gin.H{
			"canonical_cycles": true,
			"bundles":          true,
			"webhooks":         true,
			"live_stream":      true,
			"persistence":      true,
		},
		"dbConnected": h.dbStore != nil,
	})
}
