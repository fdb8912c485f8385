package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tevani/auth"
	"tevani/consent"
	"tevani/invoice"
	"tevani/risk"
	"tevani/trrf"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type ledgerService interface {
	Submit(ctx context.Context, draft invoice.Draft) (invoice.Invoice, error)
	Validate(ctx context.Context, id string, checks []risk.Check) (invoice.Invoice, error)
	Reject(ctx context.Context, id, note string) (invoice.Invoice, error)
	Flag(ctx context.Context, id string) (invoice.Invoice, error)
	ResolveFlag(ctx context.Context, id string) (invoice.Invoice, error)
	RecordFunding(ctx context.Context, id string, amount int64, idemKey string) (invoice.Invoice, error)
	Settle(ctx context.Context, id string, outcome invoice.Status) (invoice.Invoice, error)
	Get(ctx context.Context, id string) (invoice.Invoice, error)
	Checks(ctx context.Context, invoiceID string) ([]invoice.CheckRecord, error)
	ListBySeller(ctx context.Context, sellerID string) ([]invoice.Invoice, error)
	ListByStatus(ctx context.Context, status invoice.Status, limit int) ([]invoice.Invoice, error)
}

type consentService interface {
	RecordResponse(ctx context.Context, consentID string, outcome consent.Status, reason string) (consent.Record, error)
	SendMessage(ctx context.Context, consentID, text string) (consent.Event, error)
	SweepPassive(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, consentID string) (consent.Record, error)
	GetByInvoice(ctx context.Context, invoiceID string) (consent.Record, error)
	Events(ctx context.Context, consentID string) ([]consent.Event, error)
}

type trrfService interface {
	Snapshot(ctx context.Context) (trrf.Pool, error)
	RequestDisbursal(ctx context.Context, amount int64, reason string) (trrf.Disbursal, error)
	Approve(ctx context.Context, disbursalID string) (trrf.Disbursal, error)
	RejectDisbursal(ctx context.Context, disbursalID, reason string) (trrf.Disbursal, error)
}

// Server wires the domain services to the HTTP surface.
type Server struct {
	authService    authService
	ledgerService  ledgerService
	consentService consentService
	trrfService    trrfService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/invoices", s.withAuth(s.handleInvoices))
	mux.HandleFunc("/api/invoices/", s.withAuth(s.handleInvoiceDetail))
	mux.HandleFunc("/api/consents/sweep", s.withAuth(s.handleConsentSweep))
	mux.HandleFunc("/api/consents/", s.withAuth(s.handleConsentDetail))
	mux.HandleFunc("/api/trrf/stats", s.withAuth(s.handleTRRFStats))
	mux.HandleFunc("/api/trrf/disbursals", s.withAuth(s.handleDisbursals))
	mux.HandleFunc("/api/trrf/disbursals/", s.withAuth(s.handleDisbursalDetail))
	return mux
}

// withAuth verifies the bearer token and stashes user id and role on the
// request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func requestRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func requireRole(w http.ResponseWriter, r *http.Request, roles ...auth.Role) bool {
	got := requestRole(r)
	for _, role := range roles {
		if got == role {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden for role "+string(got))
	return false
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrWeakPassword) || errors.Is(err, auth.ErrDuplicateEmail) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: toUserResponse(result.User)})
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitInvoice(w, r)
	case http.MethodGet:
		s.handleListInvoices(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type submitInvoiceRequest struct {
	InvoiceNumber string  `json:"invoiceNumber"`
	BuyerName     string  `json:"buyerName"`
	BuyerEmail    string  `json:"buyerEmail"`
	BuyerPhone    *string `json:"buyerPhone"`
	Amount        int64   `json:"amount"`
	InvoiceDate   string  `json:"invoiceDate"`
	DueDate       string  `json:"dueDate"`
}

func (s *Server) handleSubmitInvoice(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, auth.RoleSeller, auth.RoleAdmin) {
		return
	}
	var req submitInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	invoiceDate, err := time.Parse("2006-01-02", req.InvoiceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invoiceDate must be YYYY-MM-DD")
		return
	}
	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dueDate must be YYYY-MM-DD")
		return
	}

	inv, err := s.ledgerService.Submit(r.Context(), invoice.Draft{
		InvoiceNumber: req.InvoiceNumber,
		SellerID:      requestUserID(r),
		BuyerName:     req.BuyerName,
		BuyerEmail:    req.BuyerEmail,
		BuyerPhone:    req.BuyerPhone,
		Amount:        req.Amount,
		InvoiceDate:   invoiceDate,
		DueDate:       dueDate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if status := r.URL.Query().Get("status"); status != "" {
		if !requireRole(w, r, auth.RoleAdmin, auth.RoleInvestor) {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		invoices, err := s.ledgerService.ListByStatus(ctx, invoice.Status(status), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeInvoiceList(w, invoices)
		return
	}

	invoices, err := s.ledgerService.ListBySeller(ctx, requestUserID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeInvoiceList(w, invoices)
}

func (s *Server) handleInvoiceDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/invoices/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invoice id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetInvoice(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "validate":
		s.handleValidateInvoice(w, r, id)
	case "reject":
		s.handleRejectInvoice(w, r, id)
	case "flag":
		s.handleFlagInvoice(w, r, id)
	case "resolve-flag":
		s.handleResolveFlag(w, r, id)
	case "funding":
		s.handleRecordFunding(w, r, id)
	case "settle":
		s.handleSettleInvoice(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown invoice operation")
	}
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := s.ledgerService.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	checks, err := s.ledgerService.Checks(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := invoiceDetailResponse{invoiceResponse: toInvoiceResponse(inv)}
	for _, c := range checks {
		resp.Checks = append(resp.Checks, checkResponse{
			Position: c.Position,
			Name:     c.Name,
			Weight:   c.Weight,
			Result:   string(c.Result),
			Message:  c.Message,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type validateInvoiceRequest struct {
	SupportingDocs int `json:"supportingDocs"`
	Checks         []struct {
		Name    string `json:"name"`
		Weight  int    `json:"weight"`
		Result  string `json:"result"`
		Message string `json:"message"`
	} `json:"checks"`
}

func (s *Server) handleValidateInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var req validateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var checks []risk.Check
	if len(req.Checks) > 0 {
		for _, c := range req.Checks {
			checks = append(checks, risk.Check{Name: c.Name, Weight: c.Weight, Result: risk.Result(c.Result), Message: c.Message})
		}
	} else {
		inv, err := s.ledgerService.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		checks = risk.DefaultChecks(risk.Draft{
			InvoiceNumber:  inv.InvoiceNumber,
			Amount:         inv.Amount,
			InvoiceDate:    inv.InvoiceDate,
			DueDate:        inv.DueDate,
			SupportingDocs: req.SupportingDocs,
		})
	}

	inv, err := s.ledgerService.Validate(r.Context(), id, checks)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleRejectInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	inv, err := s.ledgerService.Reject(r.Context(), id, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleFlagInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	inv, err := s.ledgerService.Flag(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleResolveFlag(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	inv, err := s.ledgerService.ResolveFlag(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

type fundingRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleRecordFunding(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleInvestor, auth.RoleAdmin) {
		return
	}
	var req fundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	inv, err := s.ledgerService.RecordFunding(r.Context(), id, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleSettleInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	inv, err := s.ledgerService.Settle(r.Context(), id, invoice.Status(req.Outcome))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleConsentSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	n, err := s.consentService.SweepPassive(r.Context(), time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

func (s *Server) handleConsentDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/consents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "consent id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rec, err := s.consentService.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsentResponse(rec))
		return
	}

	switch parts[1] {
	case "response":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleConsentResponse(w, r, id)
	case "messages":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleConsentMessage(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleConsentEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown consent operation")
	}
}

func (s *Server) handleConsentResponse(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleBuyer, auth.RoleAdmin) {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.consentService.RecordResponse(r.Context(), id, consent.Status(req.Outcome), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsentResponse(rec))
}

func (s *Server) handleConsentMessage(w http.ResponseWriter, r *http.Request, id string) {
	if !requireRole(w, r, auth.RoleSeller, auth.RoleAdmin) {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ev, err := s.consentService.SendMessage(r.Context(), id, req.Text)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(ev))
}

func (s *Server) handleConsentEvents(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.consentService.Events(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload := struct {
		Items []eventResponse `json:"items"`
	}{Items: make([]eventResponse, 0, len(events))}
	for _, ev := range events {
		payload.Items = append(payload.Items, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTRRFStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pool, err := s.trrfService.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{
		TotalPool:          pool.TotalPool,
		Utilized:           pool.Utilized,
		Available:          pool.Available,
		DefaultRate:        pool.DefaultRate,
		IndustryAvgDefault: pool.IndustryAvgDefault,
	})
}

func (s *Server) handleDisbursals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := s.trrfService.RequestDisbursal(r.Context(), req.Amount, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisbursalResponse(d))
}

func (s *Server) handleDisbursalDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/trrf/disbursals/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "disbursal id and action required")
		return
	}

	var (
		d   trrf.Disbursal
		err error
	)
	switch parts[1] {
	case "approve":
		d, err = s.trrfService.Approve(r.Context(), parts[0])
	case "reject":
		var req struct {
			Reason string `json:"reason"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		d, err = s.trrfService.RejectDisbursal(r.Context(), parts[0], req.Reason)
	default:
		writeError(w, http.StatusNotFound, "unknown disbursal action")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisbursalResponse(d))
}

// writeDomainError maps domain sentinels onto HTTP statuses. Unknown
// errors surface as 500 and are logged for the operator.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, consent.ErrNotFound),
		errors.Is(err, trrf.ErrReservationNotFound),
		errors.Is(err, trrf.ErrDisbursalNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, invoice.ErrInvalidTransition),
		errors.Is(err, trrf.ErrInvalidTransition),
		errors.Is(err, consent.ErrConsentAlreadyResolved),
		errors.Is(err, consent.ErrConsentAlreadyOpen),
		errors.Is(err, consent.ErrConsentChannelClosed),
		errors.Is(err, invoice.ErrConsentNotResolved),
		errors.Is(err, trrf.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, invoice.ErrInvalidDraft),
		errors.Is(err, invoice.ErrAmountUnavailable),
		errors.Is(err, risk.ErrInsufficientChecks),
		errors.Is(err, risk.ErrBadWeights),
		errors.Is(err, consent.ErrReasonRequired),
		errors.Is(err, consent.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeInvoiceList(w http.ResponseWriter, invoices []invoice.Invoice) {
	payload := struct {
		Items []invoiceResponse `json:"items"`
		Total int               `json:"total"`
	}{Items: make([]invoiceResponse, 0, len(invoices))}
	for _, inv := range invoices {
		payload.Items = append(payload.Items, toInvoiceResponse(inv))
	}
	payload.Total = len(payload.Items)
	writeJSON(w, http.StatusOK, payload)
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type invoiceResponse struct {
	ID              string  `json:"id"`
	InvoiceNumber   string  `json:"invoiceNumber"`
	SellerID        string  `json:"sellerId"`
	BuyerName       string  `json:"buyerName"`
	BuyerEmail      string  `json:"buyerEmail"`
	Amount          int64   `json:"amount"`
	FundedAmount    int64   `json:"fundedAmount"`
	AvailableAmount int64   `json:"availableAmount"`
	InvoiceDate     string  `json:"invoiceDate"`
	DueDate         string  `json:"dueDate"`
	Status          string  `json:"status"`
	TrustScore      *int    `json:"trustScore"`
	RiskTier        *string `json:"riskTier"`
	RejectNote      *string `json:"rejectNote"`
	CreatedAt       string  `json:"createdAt"`
}

type checkResponse struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Weight   int    `json:"weight"`
	Result   string `json:"result"`
	Message  string `json:"message"`
}

type invoiceDetailResponse struct {
	invoiceResponse
	Checks []checkResponse `json:"checks"`
}

func toInvoiceResponse(inv invoice.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:              inv.ID,
		InvoiceNumber:   inv.InvoiceNumber,
		SellerID:        inv.SellerID,
		BuyerName:       inv.BuyerName,
		BuyerEmail:      inv.BuyerEmail,
		Amount:          inv.Amount,
		FundedAmount:    inv.FundedAmount,
		AvailableAmount: inv.AvailableAmount,
		InvoiceDate:     inv.InvoiceDate.Format("2006-01-02"),
		DueDate:         inv.DueDate.Format("2006-01-02"),
		Status:          string(inv.Status),
		TrustScore:      inv.TrustScore,
		RejectNote:      inv.RejectNote,
		CreatedAt:       inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.RiskTier != nil {
		tier := string(*inv.RiskTier)
		resp.RiskTier = &tier
	}
	return resp
}

type consentResponse struct {
	ID            string  `json:"id"`
	InvoiceID     string  `json:"invoiceId"`
	BuyerEmail    string  `json:"buyerEmail"`
	Status        string  `json:"status"`
	DisputeReason *string `json:"disputeReason"`
	WindowEnd     string  `json:"windowEnd"`
	CreatedAt     string  `json:"createdAt"`
}

func toConsentResponse(rec consent.Record) consentResponse {
	return consentResponse{
		ID:            rec.ID,
		InvoiceID:     rec.InvoiceID,
		BuyerEmail:    rec.BuyerEmail,
		Status:        string(rec.Status),
		DisputeReason: rec.DisputeReason,
		WindowEnd:     rec.WindowEnd.Format(time.RFC3339),
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
	}
}

type eventResponse struct {
	ID        int64           `json:"id"`
	ConsentID string          `json:"consentId"`
	Seq       int             `json:"seq"`
	Kind      string          `json:"kind"`
	Details   json.RawMessage `json:"details"`
	CreatedAt string          `json:"createdAt"`
}

func toEventResponse(ev consent.Event) eventResponse {
	return eventResponse{
		ID:        ev.ID,
		ConsentID: ev.ConsentID,
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		Details:   json.RawMessage(ev.Details),
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
}

type poolResponse struct {
	TotalPool          int64   `json:"totalPool"`
	Utilized           int64   `json:"utilized"`
	Available          int64   `json:"available"`
	DefaultRate        float64 `json:"defaultRate"`
	IndustryAvgDefault float64 `json:"industryAvgDefault"`
}

type disbursalResponse struct {
	ID           string  `json:"id"`
	Amount       int64   `json:"amount"`
	Reason       string  `json:"reason"`
	Status       string  `json:"status"`
	RejectReason *string `json:"rejectReason"`
	RequestedAt  string  `json:"requestedAt"`
}

func toDisbursalResponse(d trrf.Disbursal) disbursalResponse {
	return disbursalResponse{
		ID:           d.ID,
		Amount:       d.Amount,
		Reason:       d.Reason,
		Status:       string(d.Status),
		RejectReason: d.RejectReason,
		RequestedAt:  d.RequestedAt.Format(time.RFC3339),
	}
}
