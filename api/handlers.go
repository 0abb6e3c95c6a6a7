/*
handlers.go - HTTP API handlers for the payroll batch engine

PURPOSE:
  Exposes the payroll engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Batches:
    GET    /api/batches                       List batches (filterable)
    POST   /api/batches                       Submit calculation job
    GET    /api/batches/{id}                  Get batch details
    DELETE /api/batches/{id}                  Delete pre-approval batch
    POST   /api/batches/{id}/resume           Resume draft/interrupted batch
    POST   /api/batches/{id}/approve          Approve (acknowledging failures)
    POST   /api/batches/{id}/freeze           Freeze approved batch
    POST   /api/batches/{id}/complete         Complete approved/frozen batch
    POST   /api/batches/{id}/validate         Read-only staleness check
    POST   /api/batches/bulk-approve          Per-batch independent approval

  Records:
    GET    /api/batches/{id}/records               Computed records
    GET    /api/batches/{id}/records/{employeeID}  One employee's payslip

  Recalculation:
    POST   /api/batches/{id}/recalc-requests        File request
    GET    /api/batches/{id}/recalc-requests/active Pending/granted request
    POST   /api/batches/{id}/recalc-requests/grant  Grant (different actor)
    POST   /api/batches/{id}/recalc-requests/deny   Deny
    POST   /api/batches/{id}/recalculate            Run granted recalculation

  Snapshots:
    GET    /api/batches/{id}/snapshots        History snapshots
    POST   /api/batches/{id}/rollback         Restore from snapshot

  Jobs:
    GET    /api/jobs                          List jobs
    GET    /api/jobs/{id}                     Poll job progress
    DELETE /api/jobs/{id}                     Cancel job

  Config:
    GET    /api/config/columns                Current column set
    PUT    /api/config/columns                Save new version

  Admin:
    POST   /api/admin/migrate-divisions       Rewrite scope references

ERROR HANDLING:
  Domain errors map to HTTP status by category:
  - 400: validation, illegal state transitions, protocol violations
  - 404: unknown batch/record/snapshot/request
  - 409: concurrent modification, batch busy
  - 500: persistence and other internal errors

SECURITY NOTE:
  Actor identity is taken from the request body; there is no
  authentication middleware. Front with an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - jobs.go: Asynchronous job runner
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        payroll.Store
	Config       payroll.ConfigStore
	Orchestrator *payroll.Orchestrator
	Recalc       *payroll.RecalcCoordinator
	Jobs         *JobRunner
	Log          *logrus.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler wired to the domain services.
func NewHandler(store payroll.Store, config payroll.ConfigStore, orch *payroll.Orchestrator, recalc *payroll.RecalcCoordinator, jobs *JobRunner, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:        store,
		Config:       config,
		Orchestrator: orch,
		Recalc:       recalc,
		Jobs:         jobs,
		Log:          log,
		validate:     validator.New(),
	}
}

// decode parses and validates a JSON request body.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns batches, newest first.
// GET /api/batches?division_id=&period=&status=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	filter := payroll.BatchFilter{
		DivisionID: r.URL.Query().Get("division_id"),
		Status:     payroll.BatchStatus(r.URL.Query().Get("status")),
	}
	if p := r.URL.Query().Get("period"); p != "" {
		period, err := payroll.ParsePeriod(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period filter", err)
			return
		}
		filter.Period = &period
	}

	batches, err := h.Store.ListBatches(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBatch submits an asynchronous calculation job.
// POST /api/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	period, err := payroll.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}
	scope := payroll.Scope{
		DivisionID:      req.DivisionID,
		DepartmentID:    req.DepartmentID,
		IncludeDeparted: req.IncludeDeparted,
	}

	job, err := h.Jobs.SubmitCalculate(scope, period, req.ActorID)
	if err != nil {
		writeDomainError(w, "Failed to submit calculation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

// GetBatch returns one batch.
// GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	batch, err := h.Store.GetBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// DeleteBatch removes a pre-approval batch and its records.
// DELETE /api/batches/{id}
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	if err := h.Orchestrator.DeleteBatch(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeBatch submits a continuation job for a draft/interrupted batch.
// POST /api/batches/{id}/resume
func (h *Handler) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	job, err := h.Jobs.SubmitResume(id)
	if err != nil {
		writeDomainError(w, "Failed to submit resume", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

// ApproveBatch approves a calculated batch.
// POST /api/batches/{id}/approve
func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	var req ApproveBatchRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	batch, err := h.Orchestrator.Approve(r.Context(), id, req.ActorID, req.AcknowledgeFailures)
	if err != nil {
		writeDomainError(w, "Failed to approve batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// FreezeBatch freezes an approved batch.
// POST /api/batches/{id}/freeze
func (h *Handler) FreezeBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	var req ActorRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	batch, err := h.Orchestrator.Freeze(r.Context(), id, req.ActorID)
	if err != nil {
		writeDomainError(w, "Failed to freeze batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// CompleteBatch completes an approved or frozen batch.
// POST /api/batches/{id}/complete
func (h *Handler) CompleteBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	var req ActorRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	batch, err := h.Orchestrator.Complete(r.Context(), id, req.ActorID)
	if err != nil {
		writeDomainError(w, "Failed to complete batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// ValidateBatch recomputes from current upstream data and reports
// discrepancies without mutating anything.
// POST /api/batches/{id}/validate
func (h *Handler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	report, err := h.Orchestrator.ValidateBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to validate batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationReportDTO(report))
}

// BulkApprove approves several batches, each independently.
// POST /api/batches/bulk-approve
func (h *Handler) BulkApprove(w http.ResponseWriter, r *http.Request) {
	var req BulkApproveRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	ids := make([]payroll.BatchID, len(req.BatchIDs))
	for i, id := range req.BatchIDs {
		ids[i] = payroll.BatchID(id)
	}

	results := h.Orchestrator.BulkApprove(r.Context(), ids, req.ActorID, req.AcknowledgeFailures)
	dtos := make([]BulkApproveResultDTO, len(results))
	for i, res := range results {
		dtos[i] = BulkApproveResultDTO{BatchID: string(res.BatchID), OK: res.Err == nil}
		if res.Err != nil {
			dtos[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ListRecords returns a batch's records in employee-number order.
// GET /api/batches/{id}/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetBatch(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}
	records, err := h.Store.ListRecords(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to list records", err)
		return
	}

	dtos := make([]RecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRecord returns one employee's computed record.
// GET /api/batches/{id}/records/{employeeID}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	batchID := payroll.BatchID(chi.URLParam(r, "id"))
	employeeID := chi.URLParam(r, "employeeID")

	record, err := h.Store.GetRecord(r.Context(), batchID, employeeID)
	if err != nil {
		writeDomainError(w, "Failed to get record", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(record))
}

// =============================================================================
// RECALCULATION HANDLERS
// =============================================================================

// SubmitRecalcRequest files a recalculation request against a locked batch.
// POST /api/batches/{id}/recalc-requests
func (h *Handler) SubmitRecalcRequest(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	var req SubmitRecalcRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	request, err := h.Recalc.RequestRecalculation(r.Context(), id, req.RequesterID, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to file recalculation request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecalcRequestDTO(request))
}

// GetActiveRecalcRequest returns the batch's pending/granted request.
// GET /api/batches/{id}/recalc-requests/active
func (h *Handler) GetActiveRecalcRequest(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	request, err := h.Store.ActiveRequest(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load request", err)
		return
	}
	if request == nil {
		writeError(w, http.StatusNotFound, "No active recalculation request", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRecalcRequestDTO(request))
}

// GrantRecalc grants the pending request. The granter must differ from
// the requester.
// POST /api/batches/{id}/recalc-requests/grant
func (h *Handler) GrantRecalc(w http.ResponseWriter, r *http.Request) {
	h.decideRecalc(w, r, true)
}

// DenyRecalc denies the pending request.
// POST /api/batches/{id}/recalc-requests/deny
func (h *Handler) DenyRecalc(w http.ResponseWriter, r *http.Request) {
	h.decideRecalc(w, r, false)
}

func (h *Handler) decideRecalc(w http.ResponseWriter, r *http.Request, grant bool) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	var req DecideRecalcRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	var (
		request *payroll.RecalculationRequest
		err     error
	)
	if grant {
		request, err = h.Recalc.GrantRecalculation(r.Context(), id, req.GranterID)
	} else {
		request, err = h.Recalc.DenyRecalculation(r.Context(), id, req.GranterID)
	}
	if err != nil {
		writeDomainError(w, "Failed to decide recalculation request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecalcRequestDTO(request))
}

// Recalculate submits the granted recalculation as an asynchronous job.
// POST /api/batches/{id}/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	job, err := h.Jobs.SubmitRecalculate(id)
	if err != nil {
		writeDomainError(w, "Failed to submit recalculation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

// ListSnapshots returns the batch's snapshots, oldest first.
// GET /api/batches/{id}/snapshots
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetBatch(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}
	snapshots, err := h.Store.ListSnapshots(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to list snapshots", err)
		return
	}

	dtos := make([]SnapshotDTO, len(snapshots))
	for i, s := range snapshots {
		dtos[i] = toSnapshotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Rollback restores the batch wholesale from a snapshot.
// POST /api/batches/{id}/rollback
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	id := payroll.BatchID(chi.URLParam(r, "id"))

	var req RollbackRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	batch, err := h.Orchestrator.Rollback(r.Context(), id, payroll.SnapshotID(req.SnapshotID), req.ActorID)
	if err != nil {
		writeDomainError(w, "Failed to roll back batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ListJobs returns all known jobs, newest first.
// GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.Jobs.List()
	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = toJobDTO(j)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetJob polls one job's progress.
// GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.Jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// CancelJob requests cancellation of a queued or running job.
// DELETE /api/jobs/{id}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if !h.Jobs.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusConflict, "Job is not cancellable", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// =============================================================================
// CONFIG HANDLERS
// =============================================================================

// GetColumns returns the current column configuration.
// GET /api/config/columns
func (h *Handler) GetColumns(w http.ResponseWriter, r *http.Request) {
	columns, err := h.Config.CurrentColumnSet(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to load column config", err)
		return
	}
	writeJSON(w, http.StatusOK, columns)
}

// SaveColumns validates and stores a new configuration version. Batches
// already computed keep the version they ran with.
// PUT /api/config/columns
func (h *Handler) SaveColumns(w http.ResponseWriter, r *http.Request) {
	var set payroll.ColumnSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	saved, err := h.Config.SaveColumnSet(r.Context(), set)
	if err != nil {
		writeDomainError(w, "Failed to save column config", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// MigrateDivisions rewrites stored scope references after a topology
// change.
// POST /api/admin/migrate-divisions
func (h *Handler) MigrateDivisions(w http.ResponseWriter, r *http.Request) {
	var req MigrateDivisionsRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	migrated, err := h.Orchestrator.MigrateBatchDivisions(r.Context(), payroll.DivisionMapping{
		Divisions:   req.Divisions,
		Departments: req.Departments,
	})
	if err != nil {
		writeDomainError(w, "Failed to migrate divisions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"migrated": migrated})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a domain error to its HTTP status by category.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case payroll.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case payroll.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case payroll.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
