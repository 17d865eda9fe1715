package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/sovereign/internal/db"
	"github.com/ajitpratap0/sovereign/internal/guardian"
	"github.com/ajitpratap0/sovereign/internal/hitl"
	"github.com/ajitpratap0/sovereign/internal/ingress"
	"github.com/ajitpratap0/sovereign/internal/money"
	"github.com/ajitpratap0/sovereign/internal/outcome"
)

// statusForCode maps refusal codes onto HTTP statuses. The code itself is
// always echoed in the body; clients branch on it, not on the status.
func statusForCode(code outcome.Code) int {
	switch code {
	case outcome.CodeBadSignature:
		return http.StatusUnauthorized
	case outcome.CodeOperatorDenied:
		return http.StatusForbidden
	case outcome.CodeInvalidState:
		return http.StatusConflict
	case outcome.CodeHITLTimeout:
		return http.StatusGone
	case outcome.CodeHashMismatch:
		return http.StatusInternalServerError
	case outcome.CodeGuardianLocked:
		return http.StatusLocked
	case outcome.CodeSlippageExceeded:
		return http.StatusPreconditionFailed
	case outcome.CodeRiskZeroQty, outcome.CodeRiskCapExceeded:
		return http.StatusUnprocessableEntity
	case outcome.CodeFloatToken:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

// writeError renders any error, mapping refusals to their status and code.
func writeError(c *gin.Context, err error) {
	if r, ok := outcome.AsRefusal(err); ok {
		c.JSON(statusForCode(r.Code), gin.H{
			"code":  string(r.Code),
			"error": r.Reason,
		})
		return
	}
	if errors.Is(err, ingress.ErrQueueFull) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal queue full, retry later"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"time":            time.Now().UTC(),
		"guardian_locked": s.guardian.IsLocked(),
		"policy_latched":  s.policy.Latched(),
		"rgi_safe_mode":   s.rgi.SafeMode(),
	}
	if rec := s.guardian.CurrentLock(); rec != nil {
		resp["lock"] = lockJSON(rec)
	}
	c.JSON(http.StatusOK, resp)
}

// handleWebhookSignal accepts one raw signal. The HMAC signature header is
// the only authentication on this route.
func (s *Server) handleWebhookSignal(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	res, err := s.ingress.Accept(c.Request.Context(), raw, c.GetHeader("X-Signature"))
	if err != nil {
		writeError(c, err)
		return
	}

	status := "ack"
	if res.Duplicate {
		status = "duplicate"
	}
	c.JSON(http.StatusOK, gin.H{
		"correlation_id": res.CorrelationID.String(),
		"status":         status,
	})
}

func (s *Server) handleListPending(c *gin.Context) {
	pending, err := s.gateway.Pending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(pending))
	for _, req := range pending {
		out = append(out, approvalJSON(req))
	}
	c.JSON(http.StatusOK, gin.H{"pending": out, "count": len(out)})
}

// tradeIDParam parses the :trade_id route segment, answering 400 itself on a
// malformed id.
func tradeIDParam(c *gin.Context) (uuid.UUID, bool) {
	tradeID, err := uuid.Parse(c.Param("trade_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return uuid.Nil, false
	}
	return tradeID, true
}

// operatorChannel normalizes a caller-supplied channel onto the stored enum.
// SYSTEM is reserved for internal transitions and never accepted here.
func operatorChannel(c *gin.Context, raw string) (string, bool) {
	switch channel := strings.ToUpper(raw); channel {
	case "":
		return db.ChannelAPI, true
	case db.ChannelAPI, db.ChannelDiscord:
		return channel, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be API or DISCORD"})
		return "", false
	}
}

type approveRequest struct {
	OperatorID   string `json:"operator_id" binding:"required"`
	CurrentPrice string `json:"current_price" binding:"required"`
}

func (s *Server) handleApprove(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	var body approveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	price, err := money.Price(body.CurrentPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid current_price"})
		return
	}

	req, err := s.gateway.Decide(c.Request.Context(), tradeID, body.OperatorID,
		hitl.DecisionApprove, price, db.ChannelAPI, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, approvalJSON(req))
}

type rejectRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
	Reason     string `json:"reason"`
}

func (s *Server) handleReject(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The rejection path never consults a price.
	req, err := s.gateway.Decide(c.Request.Context(), tradeID, body.OperatorID,
		hitl.DecisionReject, decimal.Zero, db.ChannelAPI, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, approvalJSON(req))
}

type decideRequest struct {
	Decision     string `json:"decision" binding:"required"`
	CurrentPrice string `json:"current_price" binding:"required"`
	Channel      string `json:"channel"`
	Reason       string `json:"reason"`
}

func (s *Server) handleDecide(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	operatorID := c.GetHeader("X-Operator-ID")
	if operatorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Operator-ID header is required"})
		return
	}

	var body decideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	price, err := money.Price(body.CurrentPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid current_price"})
		return
	}

	channel, ok := operatorChannel(c, body.Channel)
	if !ok {
		return
	}

	req, err := s.gateway.Decide(c.Request.Context(), tradeID, operatorID, body.Decision, price, channel, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, approvalJSON(req))
}

func (s *Server) handleGuardianStatus(c *gin.Context) {
	resp := gin.H{"locked": s.guardian.IsLocked()}
	if rec := s.guardian.CurrentLock(); rec != nil {
		resp["lock"] = lockJSON(rec)
	}
	c.JSON(http.StatusOK, resp)
}

type guardianLockRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func (s *Server) handleGuardianLock(c *gin.Context) {
	var body guardianLockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Reason != guardian.ReasonManual && body.Reason != guardian.ReasonPanic {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason must be MANUAL or PANIC"})
		return
	}

	if err := s.guardian.ManualLock(c.Request.Context(), body.Reason, body.Actor, uuid.New()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true})
}

func (s *Server) handleGuardianUnlock(c *gin.Context) {
	var body guardianLockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	unlocked, err := s.guardian.ManualUnlock(c.Request.Context(), body.Reason, body.Actor, uuid.New())
	if err != nil {
		writeError(c, err)
		return
	}
	if !unlocked {
		c.JSON(http.StatusConflict, gin.H{"error": "guardian is not locked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": false})
}

func (s *Server) handlePolicyReset(c *gin.Context) {
	var body guardianLockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reset, err := s.policy.ResetLatch(c.Request.Context(), body.Actor, body.Reason, uuid.New())
	if err != nil {
		writeError(c, err)
		return
	}
	if !reset {
		c.JSON(http.StatusConflict, gin.H{"error": "policy latch is not set"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"latched": false})
}

func (s *Server) handleRGIReset(c *gin.Context) {
	var body guardianLockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.rgi.ResetSafeMode(body.Actor, body.Reason) {
		c.JSON(http.StatusConflict, gin.H{"error": "safe mode is not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"safe_mode": false})
}

func approvalJSON(req *db.ApprovalRequest) gin.H {
	out := gin.H{
		"correlation_id":   req.CorrelationID.String(),
		"trade_id":         req.TradeID.String(),
		"symbol":           req.Symbol,
		"side":             req.Side,
		"qty":              money.Canonical(req.Qty, money.ScalePrice),
		"request_price":    money.Canonical(req.RequestPrice, money.ScalePrice),
		"bid":              money.Canonical(req.Bid, money.ScalePrice),
		"ask":              money.Canonical(req.Ask, money.ScalePrice),
		"spread_pct":       money.Canonical(req.SpreadPct, money.ScalePct),
		"quote_latency_ms": req.QuoteLatencyMS,
		"status":           req.Status,
		"created_at":       req.CreatedAt,
		"expires_at":       req.ExpiresAt,
	}
	if req.DecidedAt != nil {
		out["decided_at"] = req.DecidedAt
		out["decision_channel"] = req.DecisionChannel
		out["operator_id"] = req.OperatorID
	}
	if req.Reason != "" {
		out["reason"] = req.Reason
	}
	return out
}

func lockJSON(rec *guardian.LockRecord) gin.H {
	return gin.H{
		"lock_id":        rec.LockID.String(),
		"locked_at":      rec.LockedAt,
		"reason":         rec.Reason,
		"daily_loss_zar": rec.DailyLossZAR,
		"daily_loss_pct": rec.DailyLossPct,
	}
}
