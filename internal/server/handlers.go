package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudsoft/glovendor/internal/auth"
	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/money"
	"github.com/cloudsoft/glovendor/internal/pagination"
	"github.com/cloudsoft/glovendor/internal/payments"
	"github.com/cloudsoft/glovendor/internal/session"
	"github.com/cloudsoft/glovendor/internal/wallet"
)

// respondError maps a gateway error onto the portal's HTTP error contract.
// Backend 5xx payloads never pass through; clients get the generic message.
func respondError(c *gin.Context, err error) {
	ae, ok := err.(*gateway.APIError)
	if !ok {
		logging.L(c.Request.Context()).Error("unexpected error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
		return
	}

	var status int
	var code string
	switch ae.Kind {
	case gateway.KindAuthRequired:
		status, code = http.StatusUnauthorized, "auth_required"
	case gateway.KindValidation:
		status, code = http.StatusBadRequest, "validation_error"
	case gateway.KindNotFound:
		status, code = http.StatusNotFound, "not_found"
	case gateway.KindNetwork:
		status, code = http.StatusGatewayTimeout, "backend_unreachable"
	default:
		status, code = http.StatusBadGateway, "backend_error"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": ae.Message,
	})
}

// -----------------------------------------------------------------------------
// Auth
// -----------------------------------------------------------------------------

func (s *Server) loginHandler(c *gin.Context) {
	var req struct {
		Role     string `json:"role" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role, email, and password are required",
		})
		return
	}

	role, ok := session.ParseRole(req.Role)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "unknown role: " + req.Role,
		})
		return
	}

	res, err := s.authMgr.Login(c.Request.Context(), role, auth.Credentials{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"role":       res.Principal.Role,
		"identifier": res.Principal.Identifier,
		"email":      res.Email,
		"name":       res.Name,
	})
}

func (s *Server) logoutHandler(c *gin.Context) {
	if err := s.authMgr.Logout(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (s *Server) sessionHandler(c *gin.Context) {
	p := s.sessions.Principal()
	if !p.Authenticated() {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"role":          p.Role,
		"identifier":    p.Identifier,
	})
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

func (s *Server) listPlansHandler(c *gin.Context) {
	plans, err := s.catalog.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plans": plans,
		"count": len(plans),
	})
}

func (s *Server) uploadPlansHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_file",
			"message": "multipart field 'file' is required",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unreadable_file",
			"message": "could not read uploaded file",
		})
		return
	}
	defer file.Close()

	res, err := s.catalog.Upload(c.Request.Context(), fileHeader.Filename, file)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Subvendor pricing
// -----------------------------------------------------------------------------

func (s *Server) subvendorPlansHandler(c *gin.Context) {
	ctx := c.Request.Context()

	// The path accepts a numeric ID or an email; emails are resolved once
	// and the session identifier upgraded.
	id, err := s.authMgr.ResolveSubvendorID(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	plans, err := s.catalog.SubvendorPlans(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subvendorId": id,
		"plans":       plans,
		"count":       len(plans),
	})
}

func (s *Server) applyMarginHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Margin *float64 `json:"margin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Margin == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "margin is required",
		})
		return
	}

	id, err := s.authMgr.ResolveSubvendorID(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	plans, err := s.catalog.SubvendorPlans(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	priced, err := s.pricing.ApplyMargin(ctx, id, plans, *req.Margin)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subvendorId": id,
		"margin":      *req.Margin,
		"plans":       priced,
		"count":       len(priced),
	})
}

func (s *Server) setCustomPriceHandler(c *gin.Context) {
	planID := c.Param("id")

	var req struct {
		CustomPrice json.Number `json:"customPrice"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CustomPrice == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "customPrice is required",
		})
		return
	}

	price, err := money.Parse(req.CustomPrice.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	plan, err := s.pricing.SetCustomPrice(c.Request.Context(), planID, price)
	if err != nil {
		respondError(c, err)
		return
	}

	s.hub.PlanUpdated(planID)
	c.JSON(http.StatusOK, plan)
}

func (s *Server) coVendorStatsHandler(c *gin.Context) {
	planID := c.Param("id")

	subvendorID := c.Query("currentSubvendorId")
	if subvendorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currentSubvendorId query parameter is required",
		})
		return
	}

	avg, err := s.pricing.CoVendorAverage(c.Request.Context(), planID, subvendorID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"planId":       planID,
		"averagePrice": avg,
	}

	// An optional candidate price gets the advisory warning check
	if raw := c.Query("candidatePrice"); raw != "" {
		candidate, err := money.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		if warning := s.pricing.PriceWarning(candidate, avg); warning != nil {
			resp["warning"] = warning
			s.hub.PriceWarning(planID, warning.Message)
		}
	}

	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Wallet
// -----------------------------------------------------------------------------

func (s *Server) walletTransactionsHandler(c *gin.Context) {
	principal := s.sessions.Principal()

	txs, err := s.wallet.List(c.Request.Context(), principal)
	if err != nil {
		respondError(c, err)
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	key := func(t wallet.Transaction) (time.Time, string) { return t.CreatedAt, t.ID }
	window := pagination.After(txs, cur, key)
	page, next, more := pagination.ComputePage(window, limit, key)

	resp := gin.H{
		"transactions": page,
		"count":        len(page),
		"hasMore":      more,
	}
	if next != "" {
		resp["nextCursor"] = next
	}

	// Balance is replayed from the full ledger view, not the page
	computed := wallet.ComputeBalance(txs)
	resp["computedBalance"] = money.Format(computed)

	if raw := c.Query("reportedBalance"); raw != "" {
		reported, err := money.Parse(raw)
		if err == nil {
			if d := s.wallet.CheckAgainst(computed, reported); d != nil {
				resp["discrepancy"] = d
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

func (s *Server) initiatePaymentHandler(c *gin.Context) {
	var req struct {
		Email   string      `json:"email" binding:"required"`
		Amount  json.Number `json:"amount" binding:"required"`
		Purpose string      `json:"purpose"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and amount are required",
		})
		return
	}

	amount, err := money.Parse(req.Amount.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	init, err := s.flow.Initiate(c.Request.Context(), req.Email, amount, req.Purpose)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference":        init.Reference,
		"authorizationUrl": init.AuthorizationURL,
	})
}

func (s *Server) verifyPaymentHandler(c *gin.Context) {
	ctx := c.Request.Context()
	reference := c.Param("reference")

	var (
		v   *payments.Verification
		err error
	)
	if c.Query("poll") == "true" {
		v, err = s.flow.VerifyWithPoll(ctx, reference)
	} else {
		v, err = s.flow.Verify(ctx, reference)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    v.Outcome,
		"reference": v.Reference,
		"amount":    v.Amount,
		"paidAt":    v.PaidAt,
	})
}

func (s *Server) paymentStateHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.flow.State()})
}

// -----------------------------------------------------------------------------
// Receipts
// -----------------------------------------------------------------------------

func (s *Server) listReceiptsHandler(c *gin.Context) {
	rcpts := s.receipts.List()
	c.JSON(http.StatusOK, gin.H{
		"receipts": rcpts,
		"count":    len(rcpts),
	})
}

func (s *Server) getReceiptHandler(c *gin.Context) {
	reference := c.Param("reference")

	rcpt, ok := s.receipts.Get(reference)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no receipt for reference " + reference,
		})
		return
	}
	c.JSON(http.StatusOK, rcpt)
}
