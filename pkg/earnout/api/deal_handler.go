package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-earnout/pkg/earnout"
)

// DealHandler handles HTTP requests for earn-out deals
type DealHandler struct {
	service earnout.Service
}

// NewDealHandler creates a new deal handler
func NewDealHandler(service earnout.Service) *DealHandler {
	return &DealHandler{service: service}
}

// Routes returns the routes for deals. Every route expects an authenticated
// caller; mount the router behind Authenticated.
func (h *DealHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateDeal)
	r.Get("/", h.ListDeals)
	r.Get("/{id}", h.GetDeal)
	r.Put("/{id}/parameters", h.SetParameters)
	r.Put("/{id}/auditor", h.ChangeAuditor)

	// Evidence and audit trail
	r.Post("/{id}/documents", h.AddDocument)
	r.Get("/{id}/documents", h.ListDocuments)
	r.Post("/{id}/documents/{recordID}/audit", h.AuditDocument)
	r.Get("/{id}/status", h.Status)
	r.Get("/{id}/evidence/{contentID}", h.EvidenceURL)

	// Settlement
	r.Post("/{id}/settlement", h.Settle)
	r.Post("/{id}/settlement/dispatch", h.DispatchSettlement)

	// Access policy
	r.Get("/{id}/policy/members", h.ListPolicyMembers)
	r.Post("/{id}/policy/members", h.AddPolicyMember)
	r.Delete("/{id}/policy/members/{principal}", h.RemovePolicyMember)
	r.Put("/{id}/policy/capability", h.TransferCapability)
	r.Post("/{id}/policy/key-release", h.AuthorizeKeyRelease)

	return r
}

// CreateDealRequest is the request body for creating a deal; the caller is the buyer
type CreateDealRequest struct {
	Name    string    `json:"name"`
	Seller  string    `json:"seller"`
	Auditor string    `json:"auditor"`
	StartAt time.Time `json:"start_at"`
}

// SubperiodRequest is one sub-period boundary in SetParametersRequest
type SubperiodRequest struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SetParametersRequest is the request body for locking deal parameters
type SetParametersRequest struct {
	DurationMonths uint32             `json:"duration_months"`
	KPIThreshold   uint64             `json:"kpi_threshold"`
	MaxPayout      uint64             `json:"max_payout"`
	Subperiods     []SubperiodRequest `json:"subperiods"`
}

// PrincipalRequest carries a single principal
type PrincipalRequest struct {
	Principal string `json:"principal"`
}

// AddDocumentRequest is the request body for registering evidence
type AddDocumentRequest struct {
	SubperiodIndex int    `json:"subperiod_index"`
	ContentID      string `json:"content_id"`
	Classification string `json:"classification"`
}

// AuditDocumentRequest carries the auditor's base64 signature and public key
type AuditDocumentRequest struct {
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"public_key"`
}

// SettleRequest is the request body for KPI submission and settlement
type SettleRequest struct {
	KPIKind     string `json:"kpi_kind"`
	KPIValue    uint64 `json:"kpi_value"`
	Attestation []byte `json:"attestation"`
	Payment     uint64 `json:"payment"`
}

// KeyReleaseRequest asks whether the caller may obtain an evidence key
type KeyReleaseRequest struct {
	KeyID         []byte `json:"key_id"`
	SchemaVersion uint32 `json:"schema_version"`
}

// KeyReleaseResponse is the key release decision
type KeyReleaseResponse struct {
	Allowed bool `json:"allowed"`
}

// EvidenceURLResponse carries a time-limited evidence download URL
type EvidenceURLResponse struct {
	ContentID string `json:"content_id"`
	URL       string `json:"url"`
}

// PolicyMembersResponse lists the principals on a deal's access policy
type PolicyMembersResponse struct {
	Members []earnout.Principal `json:"members"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func dealID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "invalid deal ID")
		return uuid.Nil, false
	}
	return id, true
}

// caller resolves the authenticated principal or writes a 401
func caller(w http.ResponseWriter, r *http.Request) (earnout.Principal, bool) {
	p, err := callerFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return "", false
	}
	return p, true
}

// reader loads the deal named in the path for a caller allowed to read it:
// a party, or a principal on the deal's access policy.
func (h *DealHandler) reader(w http.ResponseWriter, r *http.Request) (*earnout.Deal, bool) {
	p, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	deal, ok := h.party(w, r, p)
	if ok || deal == nil {
		return deal, ok
	}
	members, err := h.service.PolicyMembers(r.Context(), deal.ID)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	for _, m := range members {
		if m == p {
			return deal, true
		}
	}
	writeError(w, r, earnout.ErrNotPolicyMember)
	return nil, false
}

// party loads the deal named in the path. It reports false with the deal set
// when p is not a party, leaving the response unwritten.
func (h *DealHandler) party(w http.ResponseWriter, r *http.Request, p earnout.Principal) (*earnout.Deal, bool) {
	id, ok := dealID(w, r)
	if !ok {
		return nil, false
	}
	deal, err := h.service.GetDeal(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return deal, deal.IsParty(p)
}

// CreateDeal creates a new deal with the caller as buyer
func (h *DealHandler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	buyer, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreateDealRequest
	if !decode(w, r, &req) {
		return
	}

	deal, err := h.service.CreateDeal(r.Context(), buyer, earnout.CreateDealRequest{
		Name:    req.Name,
		Seller:  earnout.Principal(req.Seller),
		Auditor: earnout.Principal(req.Auditor),
		StartAt: req.StartAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Deal created", "deal_id", deal.ID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, deal)
}

// ListDeals lists the deals the caller is a party to
func (h *DealHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	deals, err := h.service.ListDeals(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if deals == nil {
		deals = []*earnout.Deal{}
	}
	render.JSON(w, r, deals)
}

// GetDeal returns a single deal
func (h *DealHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.reader(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, deal)
}

// SetParameters locks the financial terms and sub-periods
func (h *DealHandler) SetParameters(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req SetParametersRequest
	if !decode(w, r, &req) {
		return
	}

	params := earnout.SetParametersRequest{
		DealID:         id,
		DurationMonths: req.DurationMonths,
		KPIThreshold:   req.KPIThreshold,
		MaxPayout:      req.MaxPayout,
		SubperiodIDs:   make([]string, 0, len(req.Subperiods)),
		Starts:         make([]time.Time, 0, len(req.Subperiods)),
		Ends:           make([]time.Time, 0, len(req.Subperiods)),
	}
	for _, sp := range req.Subperiods {
		params.SubperiodIDs = append(params.SubperiodIDs, sp.ID)
		params.Starts = append(params.Starts, sp.Start)
		params.Ends = append(params.Ends, sp.End)
	}

	deal, err := h.service.SetParameters(r.Context(), p, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, deal)
}

// ChangeAuditor replaces the deal's auditor
func (h *DealHandler) ChangeAuditor(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req PrincipalRequest
	if !decode(w, r, &req) {
		return
	}
	deal, err := h.service.ChangeAuditor(r.Context(), p, id, earnout.Principal(req.Principal))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, deal)
}

// AddDocument registers an evidence document in a sub-period
func (h *DealHandler) AddDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req AddDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	record, err := h.service.AddDocument(r.Context(), p, earnout.AddDocumentRequest{
		DealID:         id,
		SubperiodIndex: req.SubperiodIndex,
		ContentID:      req.ContentID,
		Classification: req.Classification,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, record)
}

// ListDocuments returns the deal's audit records in upload order
func (h *DealHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.reader(w, r)
	if !ok {
		return
	}
	records, err := h.service.ListAuditRecords(r.Context(), deal.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*earnout.AuditRecord{}
	}
	render.JSON(w, r, records)
}

// AuditDocument records the auditor's signed sign-off
func (h *DealHandler) AuditDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		badRequest(w, r, "invalid record ID")
		return
	}
	var req AuditDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	record, err := h.service.AuditDocument(r.Context(), p, earnout.AuditDocumentRequest{
		DealID:    id,
		RecordID:  recordID,
		Signature: req.Signature,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, record)
}

// Status returns per sub-period audit progress
func (h *DealHandler) Status(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.reader(w, r)
	if !ok {
		return
	}
	statuses, err := h.service.SubperiodStatuses(r.Context(), deal.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, statuses)
}

// EvidenceURL returns a download URL for a registered evidence object
func (h *DealHandler) EvidenceURL(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	contentID := chi.URLParam(r, "contentID")
	url, err := h.service.EvidenceURL(r.Context(), p, id, contentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, EvidenceURLResponse{ContentID: contentID, URL: url})
}

// Settle submits the attested KPI and settles the deal
func (h *DealHandler) Settle(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	settlement, err := h.service.SubmitKPIAndSettle(r.Context(), p, earnout.SettleRequest{
		DealID:      id,
		KPIKind:     req.KPIKind,
		KPIValue:    req.KPIValue,
		Attestation: req.Attestation,
		Payment:     req.Payment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Deal settled", "deal_id", id, "payout", settlement.Payout, "refund", settlement.Refund)
	render.JSON(w, r, settlement)
}

// DispatchSettlement re-sends a settled deal's transfers to the disburser
func (h *DealHandler) DispatchSettlement(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	deal, ok := h.party(w, r, p)
	if !ok {
		if deal != nil {
			writeError(w, r, earnout.ErrNotParty)
		}
		return
	}
	if err := h.service.DispatchSettlement(r.Context(), deal.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListPolicyMembers returns the deal's access policy membership
func (h *DealHandler) ListPolicyMembers(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.reader(w, r)
	if !ok {
		return
	}
	members, err := h.service.PolicyMembers(r.Context(), deal.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, PolicyMembersResponse{Members: members})
}

// AddPolicyMember adds a principal to the access policy
func (h *DealHandler) AddPolicyMember(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req PrincipalRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.AddPolicyMember(r.Context(), p, id, earnout.Principal(req.Principal)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemovePolicyMember removes a principal from the access policy
func (h *DealHandler) RemovePolicyMember(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	member := earnout.Principal(chi.URLParam(r, "principal"))
	if err := h.service.RemovePolicyMember(r.Context(), p, id, member); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TransferCapability hands policy administration to another principal
func (h *DealHandler) TransferCapability(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req PrincipalRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.TransferCapability(r.Context(), p, id, earnout.Principal(req.Principal)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuthorizeKeyRelease answers whether the caller may obtain an evidence key
func (h *DealHandler) AuthorizeKeyRelease(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := dealID(w, r)
	if !ok {
		return
	}
	var req KeyReleaseRequest
	if !decode(w, r, &req) {
		return
	}
	allowed, err := h.service.AuthorizeKeyRelease(r.Context(), earnout.KeyReleaseRequest{
		DealID:        id,
		Caller:        p,
		KeyID:         req.KeyID,
		SchemaVersion: req.SchemaVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, KeyReleaseResponse{Allowed: allowed})
}
