package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/events"
	"github.com/decloud/controlplane/internal/app/proxy"
	"github.com/decloud/controlplane/internal/app/services/balance"
	"github.com/decloud/controlplane/internal/app/services/commandbus"
	"github.com/decloud/controlplane/internal/app/services/lifecycle"
	"github.com/decloud/controlplane/internal/app/services/obligations"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/internal/app/system"
	"github.com/decloud/controlplane/pkg/logger"
)

// Handler wires every HTTP surface: the tenant API, the node-agent API, the
// realtime hub, and the proxy routes.
type Handler struct {
	lifecycle   *lifecycle.Manager
	balance     *balance.Engine
	bus         *commandbus.Bus
	nodes       storage.NodeStore
	reconciler  *obligations.Reconciler
	bootstrap   *obligations.Handlers
	proxy       *proxy.Proxy
	hub         *events.Hub
	promos      *PromoRegistry
	descriptors []system.DescriptorProvider
	log         *logger.Logger
}

// NewHandler builds the HTTP handler tree.
func NewHandler(
	lc *lifecycle.Manager,
	bal *balance.Engine,
	bus *commandbus.Bus,
	nodes storage.NodeStore,
	reconciler *obligations.Reconciler,
	bootstrap *obligations.Handlers,
	px *proxy.Proxy,
	hub *events.Hub,
	promos *PromoRegistry,
	descriptors []system.DescriptorProvider,
	log *logger.Logger,
) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{
		lifecycle:   lc,
		balance:     bal,
		bus:         bus,
		nodes:       nodes,
		reconciler:  reconciler,
		bootstrap:   bootstrap,
		proxy:       px,
		hub:         hub,
		promos:      promos,
		descriptors: descriptors,
		log:         log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/system/descriptors", h.handleDescriptors).Methods(http.MethodGet)

	// Tenant API.
	r.HandleFunc("/api/vms", h.handleCreateVM).Methods(http.MethodPost)
	r.HandleFunc("/api/vms", h.handleListVMs).Methods(http.MethodGet)
	r.HandleFunc("/api/vms/{id}", h.handleGetVM).Methods(http.MethodGet)
	r.HandleFunc("/api/vms/{id}", h.handleDeleteVM).Methods(http.MethodDelete)
	r.HandleFunc("/api/vms/{id}/start", h.vmOp(h.startVM)).Methods(http.MethodPost)
	r.HandleFunc("/api/vms/{id}/stop", h.vmOp(h.stopVM)).Methods(http.MethodPost)
	r.HandleFunc("/api/vms/{id}/restart", h.vmOp(h.restartVM)).Methods(http.MethodPost)
	r.HandleFunc("/api/balance", h.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/promo/redeem", h.handlePromoRedeem).Methods(http.MethodPost)

	// Node agent API.
	r.HandleFunc("/api/nodes/register", h.handleNodeRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes/{id}/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes/{id}/commands/pending", h.handlePendingCommands).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes/{id}/commands/{cmdId}/acknowledge", h.handleAcknowledge).Methods(http.MethodPost)

	// Browser channels.
	r.HandleFunc("/hub/orchestrator", h.handleEventHub).Methods(http.MethodGet)
	r.HandleFunc("/api/terminal-proxy/{vmId}", h.wsProxy(proxy.KindTerminal)).Methods(http.MethodGet)
	r.HandleFunc("/api/sftp-proxy/{vmId}", h.wsProxy(proxy.KindSFTP)).Methods(http.MethodGet)

	// Subdomain traffic tagged by the upstream TLS terminator.
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.TrimSpace(req.Header.Get(proxy.SubdomainHeader)) != "" && px != nil {
			px.ServeSubdomain(w, req)
			return
		}
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDescriptors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, system.CollectDescriptors(h.descriptors))
}

// --- tenant API ---

type createVMRequest struct {
	Name           string  `json:"name"`
	SpecTier       string  `json:"specTier"`
	Image          string  `json:"image"`
	Region         string  `json:"region,omitempty"`
	SSHKey         string  `json:"sshKey,omitempty"`
	VCPUs          int     `json:"vcpus,omitempty"`
	MemBytes       int64   `json:"memBytes,omitempty"`
	DiskBytes      int64   `json:"diskBytes,omitempty"`
	MaxHourlyPrice float64 `json:"maxHourlyPrice,omitempty"`
}

func (h *Handler) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_IMAGE", "image is required")
		return
	}

	spec := vm.Spec{
		VMType:      vm.TypeGeneral,
		VCPUs:       req.VCPUs,
		MemBytes:    req.MemBytes,
		DiskBytes:   req.DiskBytes,
		QualityTier: vm.QualityTier(strings.ToLower(req.SpecTier)),
		ImageID:     req.Image,
	}
	if spec.VCPUs == 0 {
		spec.VCPUs = 2
	}
	if spec.MemBytes == 0 {
		spec.MemBytes = 4 << 30
	}
	if spec.DiskBytes == 0 {
		spec.DiskBytes = 40 << 30
	}

	created, err := h.lifecycle.CreateVM(r.Context(), lifecycle.CreateRequest{
		OwnerID:        id.UserID,
		Name:           req.Name,
		Spec:           spec,
		Region:         req.Region,
		SSHKey:         req.SSHKey,
		MaxHourlyPrice: req.MaxHourlyPrice,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"vmId":   created.ID,
		"name":   created.Name,
		"status": string(created.Status),
	})
}

func (h *Handler) handleListVMs(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	vms, err := h.lifecycle.ListVMs(r.Context(), id.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit = core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit)
	if len(vms) > limit {
		vms = vms[:limit]
	}
	writeJSON(w, http.StatusOK, vms)
}

func (h *Handler) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	v, err := h.lifecycle.GetVM(r.Context(), id.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	if err := h.lifecycle.DeleteVM(r.Context(), id.UserID, mux.Vars(r)["id"]); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleting"})
}

func (h *Handler) startVM(r *http.Request, userID, vmID string) error {
	return h.lifecycle.StartVM(r.Context(), userID, vmID)
}
func (h *Handler) stopVM(r *http.Request, userID, vmID string) error {
	return h.lifecycle.StopVM(r.Context(), userID, vmID)
}
func (h *Handler) restartVM(r *http.Request, userID, vmID string) error {
	return h.lifecycle.RestartVM(r.Context(), userID, vmID)
}

func (h *Handler) vmOp(op func(r *http.Request, userID, vmID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		if err := op(r, id.UserID, mux.Vars(r)["id"]); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	// Tenants are identified by wallet address, so userID doubles as the
	// escrow wallet.
	snap, err := h.balance.Compute(r.Context(), id.UserID, id.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handlePromoRedeem(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_CODE", "promo code is required")
		return
	}
	grant, err := h.promos.Redeem(r.Context(), id.UserID, req.Code)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// --- node agent API ---

type nodeRegisterRequest struct {
	NodeID        string        `json:"nodeId"`
	MachineID     string        `json:"machineId"`
	WalletAddress string        `json:"walletAddress"`
	Hardware      node.Hardware `json:"hardware"`
	NATType       node.NATType  `json:"natType"`
	AgentPort     int           `json:"agentPort"`
	Region        string        `json:"region,omitempty"`
	PublicIP      string        `json:"publicIp,omitempty"`
	Pricing       *node.Pricing `json:"pricing,omitempty"`
	Features      []string      `json:"features,omitempty"`
}

func (h *Handler) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var req nodeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body")
		return
	}
	if !node.ValidWallet(req.WalletAddress) {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_WALLET", "wallet address invalid or zero")
		return
	}
	derived := node.DeriveID(req.MachineID, req.WalletAddress)
	if req.NodeID != "" && req.NodeID != derived {
		writeErrorCode(w, http.StatusBadRequest, "NODE_ID_MISMATCH", "nodeId does not match machine identity")
		return
	}
	if req.AgentPort <= 0 {
		req.AgentPort = 5100
	}

	now := time.Now().UTC()
	existing, err := h.nodes.GetNode(r.Context(), derived)
	if err == nil {
		// Re-registration refreshes mutable fields but keeps identity,
		// obligations, and relay assignments.
		existing.PublicIP = req.PublicIP
		existing.AgentPort = req.AgentPort
		existing.NATType = req.NATType
		existing.Hardware = req.Hardware
		existing.Pricing = req.Pricing
		existing.Region = req.Region
		existing.Features = req.Features
		existing.Status = node.StatusOnline
		existing.LastHeartbeatAt = now
		existing.UpdatedAt = now
		if _, err := h.nodes.UpdateNode(r.Context(), existing); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"nodeId": derived, "status": "re-registered"})
		return
	}

	n := node.Node{
		ID:              derived,
		WalletAddress:   strings.ToLower(req.WalletAddress),
		PublicIP:        req.PublicIP,
		AgentPort:       req.AgentPort,
		NATType:         req.NATType,
		Hardware:        req.Hardware,
		Pricing:         req.Pricing,
		Region:          req.Region,
		Features:        req.Features,
		Status:          node.StatusOnline,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := h.nodes.CreateNode(r.Context(), n); err != nil {
		writeAppError(w, err)
		return
	}

	// Every node owes a DHT participant; CGNAT nodes also need a relay
	// before they are reachable.
	if h.bootstrap != nil && h.reconciler != nil {
		if err := h.bootstrap.Bootstrap(r.Context(), h.reconciler, n); err != nil {
			h.log.WithError(err).WithField("node_id", derived).Warn("obligation bootstrap failed")
		}
	}

	h.log.WithField("node_id", derived).WithField("nat", string(req.NATType)).Info("node registered")
	writeJSON(w, http.StatusCreated, map[string]string{"nodeId": derived, "status": "registered"})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	var beat lifecycle.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&beat); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_BODY", "malformed heartbeat")
		return
	}
	if err := h.lifecycle.ProcessHeartbeat(r.Context(), nodeID, beat); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	cmds, err := h.bus.PullPending(r.Context(), nodeID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var ack command.Acknowledgement
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_BODY", "malformed acknowledgement")
		return
	}
	if err := h.bus.Acknowledge(r.Context(), vars["id"], vars["cmdId"], ack); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// --- browser channels ---

func (h *Handler) wsProxy(kind proxy.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		vmID := mux.Vars(r)["vmId"]
		if _, err := h.lifecycle.GetVM(r.Context(), id.UserID, vmID); err != nil {
			writeAppError(w, err)
			return
		}
		h.proxy.ServeWebSocket(w, r, vmID, kind)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// writeAppError maps a tagged error to its HTTP response. Internal
// details never leak; they are logged at the call site.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.StatusForErr(err)
	var tagged *apperr.Error
	code, message := "INTERNAL", "internal error"
	if e, ok := err.(*apperr.Error); ok {
		tagged = e
	}
	if tagged != nil && tagged.Kind != apperr.KindInternal {
		code, message = tagged.Code, tagged.Message
	}
	writeErrorCode(w, status, code, message)
}
