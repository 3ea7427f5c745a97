package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
	"CampusPay/internal/models"
	"CampusPay/internal/notify"
	"CampusPay/internal/pricing"
	"CampusPay/internal/services"
	"CampusPay/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const userHeader = "X-User-Id"

type Handler struct {
	Payments *services.PaymentService
	Claims   *services.ClaimService
	Chains   chain.Registry
	Rates    pricing.Quoter
	Ledger   store.Ledger
	Hub      *notify.Hub
	Log      *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

type createIntentRequest struct {
	Purpose    string   `json:"purpose" validate:"required,oneof=purchase listing_fee boost"`
	SubjectRef string   `json:"subjectRef" validate:"max=128"`
	Currency   string   `json:"currency" validate:"required,oneof=eth sol ETH SOL"`
	Keywords   []string `json:"keywords" validate:"max=20,dive,max=40"`
}

type intentResponse struct {
	IntentID       string          `json:"intentId"`
	CorrelationID  string          `json:"correlationId"`
	RequiredAmount string          `json:"requiredAmount"`
	Currency       string          `json:"currency"`
	CustodyAddress string          `json:"custodyAddress"`
	Purpose        string          `json:"purpose"`
	SubjectRef     string          `json:"subjectRef,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	Status         string          `json:"status"`
	TxHash         string          `json:"txHash,omitempty"`
	PaymentID      string          `json:"paymentId,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	ExpiresAt      string          `json:"expiresAt"`
	PriceSnapshot  json.RawMessage `json:"priceSnapshot"`
}

type verifyRequest struct {
	CorrelationID string `json:"correlationId" validate:"required"`
	TxHash        string `json:"txHash" validate:"required"`
}

type verifyResponse struct {
	Verified  bool   `json:"verified"`
	PaymentID string `json:"paymentId,omitempty"`
	Replay    bool   `json:"replay,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type rebindRequest struct {
	PaymentID     string `json:"paymentId" validate:"required"`
	NewSubjectRef string `json:"newSubjectRef" validate:"required,max=128"`
}

type claimRequest struct {
	Currency      string `json:"currency" validate:"required,oneof=eth sol ETH SOL"`
	WalletAddress string `json:"walletAddress" validate:"required"`
}

type claimResponse struct {
	ClaimID    string   `json:"claimId"`
	Amount     string   `json:"amount"`
	Currency   string   `json:"currency"`
	OrderCount int      `json:"orderCount"`
	OrderIDs   []string `json:"orderIds"`
	TxHash     string   `json:"txHash"`
}

type paymentResponse struct {
	ID         string `json:"id"`
	IntentID   string `json:"intentId"`
	Purpose    string `json:"purpose"`
	SubjectRef string `json:"subjectRef,omitempty"`
	Bound      bool   `json:"bound"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	TxHash     string `json:"txHash"`
	CreatedAt  string `json:"createdAt"`
	ReboundAt  string `json:"reboundAt,omitempty"`
}

type orderResponse struct {
	ID          string `json:"id"`
	PaymentID   string `json:"paymentId"`
	BuyerID     string `json:"buyerId"`
	SubjectRef  string `json:"subjectRef"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Claimed     bool   `json:"claimed"`
	ClaimedAt   string `json:"claimedAt,omitempty"`
	ClaimTxHash string `json:"claimTxHash,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type earningsResponse struct {
	TotalByCurrency     map[string]string `json:"totalByCurrency"`
	UnclaimedByCurrency map[string]string `json:"unclaimedByCurrency"`
	ClaimedByCurrency   map[string]string `json:"claimedByCurrency"`
	Orders              []orderResponse   `json:"orders"`
}

type rateResponse struct {
	ETHUSD    string `json:"ethUsd"`
	SOLUSD    string `json:"solUsd"`
	ETHToSOL  string `json:"ethToSol"`
	Source    string `json:"source"`
	FetchedAt string `json:"fetchedAt"`
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	cur, err := models.ParseCurrency(req.Currency)
	if err != nil {
		writeAppError(w, h.log(), apperr.Invalid("unsupported currency"))
		return
	}

	intent, err := h.Payments.CreateIntent(r.Context(), r.Header.Get(userHeader), models.Purpose(req.Purpose), req.SubjectRef, req.Keywords, cur)
	if err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, h.intentResponse(intent))
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.Payments.Intent(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "correlationId"))
	if err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, h.intentResponse(intent))
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	res, err := h.Payments.RecordAttempt(r.Context(), r.Header.Get(userHeader), req.CorrelationID, req.TxHash)
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Kind == apperr.KindVerification {
			writeJSON(w, statusFor(e), verifyResponse{
				Verified:  false,
				Retryable: e.Retryable,
				Reason:    e.Code,
				Error:     e.Error(),
			})
			return
		}
		writeAppError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Verified: true, PaymentID: res.Payment.ID, Replay: res.Replay})
}

func (h *Handler) Rebind(w http.ResponseWriter, r *http.Request) {
	var req rebindRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	if err := h.Payments.Rebind(r.Context(), r.Header.Get(userHeader), req.PaymentID, req.NewSubjectRef); err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Payments.Payments(r.Context(), r.Header.Get(userHeader))
	if err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		resp := paymentResponse{
			ID:        p.ID,
			IntentID:  p.IntentID,
			Purpose:   string(p.Purpose),
			Bound:     p.Bound,
			Amount:    p.Amount.String(),
			Currency:  p.Currency.JSON(),
			TxHash:    p.TxHash,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		}
		if p.SubjectRef != nil {
			resp.SubjectRef = *p.SubjectRef
		}
		if p.ReboundAt != nil {
			resp.ReboundAt = p.ReboundAt.Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	snap := h.Rates.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, rateResponse{
		ETHUSD:    snap.ETHUSD.String(),
		SOLUSD:    snap.SOLUSD.String(),
		ETHToSOL:  snap.Rate().String(),
		Source:    snap.Source,
		FetchedAt: snap.FetchedAt.Format(time.RFC3339),
	})
}

func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerFromPath(w, r)
	if !ok {
		return
	}
	e, err := h.Claims.Earnings(r.Context(), sellerID)
	if err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	resp := earningsResponse{
		TotalByCurrency:     byCurrency(e.Total),
		UnclaimedByCurrency: byCurrency(e.Unclaimed),
		ClaimedByCurrency:   byCurrency(e.Claimed),
		Orders:              make([]orderResponse, 0, len(e.Orders)),
	}
	for _, o := range e.Orders {
		or := orderResponse{
			ID:         o.ID,
			PaymentID:  o.PaymentID,
			BuyerID:    o.BuyerID,
			SubjectRef: o.SubjectRef,
			Amount:     o.Amount.String(),
			Currency:   o.Currency.JSON(),
			Claimed:    o.Claimed,
			CreatedAt:  o.CreatedAt.Format(time.RFC3339),
		}
		if o.ClaimedAt != nil {
			or.ClaimedAt = o.ClaimedAt.Format(time.RFC3339)
		}
		if o.ClaimTxHash != nil {
			or.ClaimTxHash = *o.ClaimTxHash
		}
		resp.Orders = append(resp.Orders, or)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerFromPath(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	cur, err := models.ParseCurrency(req.Currency)
	if err != nil {
		writeAppError(w, h.log(), apperr.Invalid("unsupported currency"))
		return
	}
	res, err := h.Claims.Claim(r.Context(), sellerID, cur, req.WalletAddress)
	if err != nil {
		writeAppError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ClaimID:    res.ClaimID,
		Amount:     res.Amount.String(),
		Currency:   res.Currency.JSON(),
		OrderCount: res.OrderCount,
		OrderIDs:   res.OrderIDs,
		TxHash:     res.TxHash,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	if h.Ledger != nil {
		checks["ledger"] = "ok"
		if err := h.Ledger.Ping(ctx); err != nil {
			checks["ledger"] = err.Error()
			healthy = false
		}
	}
	for cur, c := range h.Chains {
		name := cur.JSON()
		checks[name] = "ok"
		if err := c.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		}
	}
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// Notifications upgrades to a websocket streaming the caller's events.
// Browsers cannot set headers on upgrade, so userId may come as a query param.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		writeAppError(w, h.log(), apperr.ErrUnauthorized)
		return
	}
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications disabled")
		return
	}
	h.Hub.Serve(w, r, userID)
}

func (h *Handler) sellerFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeAppError(w, h.log(), apperr.ErrUnauthorized)
		return "", false
	}
	if chi.URLParam(r, "id") != userID {
		writeAppError(w, h.log(), apperr.ErrForbidden)
		return "", false
	}
	return userID, true
}

func (h *Handler) intentResponse(intent *models.PaymentIntent) intentResponse {
	resp := intentResponse{
		IntentID:       intent.ID,
		CorrelationID:  intent.CorrelationID,
		RequiredAmount: intent.RequiredAmount.String(),
		Currency:       intent.Currency.JSON(),
		Purpose:        string(intent.Purpose),
		SubjectRef:     intent.SubjectRef,
		Keywords:       intent.Keywords,
		Status:         string(intent.Status),
		ExpiresAt:      intent.ExpiresAt.Format(time.RFC3339),
		PriceSnapshot:  json.RawMessage(intent.PriceSnapshot),
	}
	if c, err := h.Chains.For(intent.Currency); err == nil {
		resp.CustodyAddress = c.CustodyAddress()
	}
	if intent.TxHash != nil {
		resp.TxHash = *intent.TxHash
	}
	if intent.PaymentID != nil {
		resp.PaymentID = *intent.PaymentID
	}
	if intent.FailureReason != nil {
		resp.FailureReason = *intent.FailureReason
	}
	if len(resp.PriceSnapshot) == 0 {
		resp.PriceSnapshot = json.RawMessage("{}")
	}
	return resp
}

func byCurrency(m map[models.Currency]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for cur, v := range m {
		out[cur.JSON()] = v.String()
	}
	return out
}
