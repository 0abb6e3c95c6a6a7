/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Batches:
    BatchDTO, CreateBatchRequest, ApproveBatchRequest, BulkApproveRequest

  Records:
    RecordDTO, CellDTO, PayslipDTO

  Recalculation:
    RecalcRequestDTO, SubmitRecalcRequest, DecideRecalcRequest

  Snapshots:
    SnapshotDTO, RollbackRequest

  Jobs:
    JobDTO

  Config:
    ColumnSetDTO (wraps payroll.ColumnSet)

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers run
  them through a shared validator instance before touching domain logic.

SEE ALSO:
  - handlers.go: Uses these types
  - payroll/types.go: Domain types these map from
*/
package api

import (
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// BATCH TYPES
// =============================================================================

// BatchDTO represents a batch in API responses.
type BatchDTO struct {
	ID        string        `json:"id"`
	Period    string        `json:"period"`
	Scope     payroll.Scope `json:"scope"`
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Processed int           `json:"processed"`

	FailuresAcknowledged bool `json:"failures_acknowledged"`

	CreatedAt   string  `json:"created_at"`
	CreatedBy   string  `json:"created_by"`
	ApprovedAt  *string `json:"approved_at,omitempty"`
	ApprovedBy  string  `json:"approved_by,omitempty"`
	FrozenAt    *string `json:"frozen_at,omitempty"`
	FrozenBy    string  `json:"frozen_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CompletedBy string  `json:"completed_by,omitempty"`

	ActiveRequestID string   `json:"active_request_id,omitempty"`
	SnapshotIDs     []string `json:"snapshot_ids,omitempty"`
}

// CreateBatchRequest starts a calculation job for a scope and period.
type CreateBatchRequest struct {
	Period          string `json:"period" validate:"required"`
	DivisionID      string `json:"division_id" validate:"required"`
	DepartmentID    string `json:"department_id,omitempty"`
	IncludeDeparted bool   `json:"include_departed"`
	ActorID         string `json:"actor_id" validate:"required"`
}

// ApproveBatchRequest approves a calculated batch.
type ApproveBatchRequest struct {
	ActorID             string `json:"actor_id" validate:"required"`
	AcknowledgeFailures bool   `json:"acknowledge_failures"`
}

// ActorRequest carries just the acting user for freeze/complete.
type ActorRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// BulkApproveRequest approves several batches independently.
type BulkApproveRequest struct {
	BatchIDs            []string `json:"batch_ids" validate:"required,min=1,dive,required"`
	ActorID             string   `json:"actor_id" validate:"required"`
	AcknowledgeFailures bool     `json:"acknowledge_failures"`
}

// BulkApproveResultDTO is one batch's outcome within a bulk approval.
type BulkApproveResultDTO struct {
	BatchID string `json:"batch_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// MigrateDivisionsRequest rewrites stored scope references.
type MigrateDivisionsRequest struct {
	Divisions   map[string]string `json:"divisions"`
	Departments map[string]string `json:"departments,omitempty"`
}

// ValidationReportDTO is the result of a read-only batch validation.
type ValidationReportDTO struct {
	BatchID       string           `json:"batch_id"`
	CheckedAt     string           `json:"checked_at"`
	RecordsTotal  int              `json:"records_total"`
	Clean         bool             `json:"clean"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

type DiscrepancyDTO struct {
	EmployeeID string `json:"employee_id"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

// =============================================================================
// RECORD TYPES
// =============================================================================

// RecordDTO represents one employee's computed payroll.
type RecordDTO struct {
	ID             string `json:"id"`
	BatchID        string `json:"batch_id"`
	EmployeeID     string `json:"employee_id"`
	EmployeeNumber string `json:"employee_number"`
	Period         string `json:"period"`

	Cells    []CellDTO               `json:"cells"`
	Warnings []payroll.ColumnWarning `json:"warnings,omitempty"`
	Payslip  *PayslipDTO             `json:"payslip,omitempty"`

	SourceFingerprint string `json:"source_fingerprint"`
	Status            string `json:"status"`
	FailureReason     string `json:"failure_reason,omitempty"`
	ComputedAt        string `json:"computed_at"`
}

// CellDTO is one header/value pair in configured column order.
type CellDTO struct {
	Header string  `json:"header"`
	Kind   string  `json:"kind"`
	Value  *string `json:"value"` // decimal string or text; null when kind is null
}

// PayslipDTO is the derived earnings/deductions/net summary.
type PayslipDTO struct {
	Gross      string                `json:"gross"`
	Deductions string                `json:"deductions"`
	Net        string                `json:"net"`
	Components []PayslipComponentDTO `json:"components"`
}

type PayslipComponentDTO struct {
	Header string `json:"header"`
	Bucket string `json:"bucket"`
	Amount string `json:"amount"`
}

// =============================================================================
// RECALCULATION TYPES
// =============================================================================

// RecalcRequestDTO represents a recalculation request.
type RecalcRequestDTO struct {
	ID          string  `json:"id"`
	BatchID     string  `json:"batch_id"`
	RequesterID string  `json:"requester_id"`
	Reason      string  `json:"reason,omitempty"`
	RequestedAt string  `json:"requested_at"`
	Status      string  `json:"status"`
	GranterID   string  `json:"granter_id,omitempty"`
	GrantedAt   *string `json:"granted_at,omitempty"`
}

// SubmitRecalcRequest files a recalculation request.
type SubmitRecalcRequest struct {
	RequesterID string `json:"requester_id" validate:"required"`
	Reason      string `json:"reason"`
}

// DecideRecalcRequest grants or denies the pending request.
type DecideRecalcRequest struct {
	GranterID string `json:"granter_id" validate:"required"`
}

// =============================================================================
// SNAPSHOT TYPES
// =============================================================================

// SnapshotDTO summarizes a history snapshot. Record contents are not
// inlined; roll back to inspect them.
type SnapshotDTO struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	CapturedAt  string `json:"captured_at"`
	Trigger     string `json:"trigger"`
	BatchStatus string `json:"batch_status"`
	Records     int    `json:"records"`
}

// RollbackRequest restores a batch from a snapshot.
type RollbackRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required"`
	ActorID    string `json:"actor_id" validate:"required"`
}

// =============================================================================
// JOB TYPES
// =============================================================================

// JobDTO is the polling view of an asynchronous calculation job.
type JobDTO struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	BatchID    string  `json:"batch_id,omitempty"`
	Status     string  `json:"status"`
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Error      string  `json:"error,omitempty"`

	SubmittedAt string  `json:"submitted_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

// =============================================================================
// ERROR RESPONSE
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toBatchDTO(b *payroll.PayrollBatch) BatchDTO {
	dto := BatchDTO{
		ID:                   string(b.ID),
		Period:               b.Period.String(),
		Scope:                b.Scope,
		Status:               string(b.Status),
		Total:                b.Total(),
		Succeeded:            b.Succeeded,
		Failed:               b.Failed,
		Processed:            b.Processed,
		FailuresAcknowledged: b.FailuresAcknowledged,
		CreatedAt:            b.CreatedAt.Format(time.RFC3339),
		CreatedBy:            b.CreatedBy,
		ApprovedAt:           formatTimePtr(b.ApprovedAt),
		ApprovedBy:           b.ApprovedBy,
		FrozenAt:             formatTimePtr(b.FrozenAt),
		FrozenBy:             b.FrozenBy,
		CompletedAt:          formatTimePtr(b.CompletedAt),
		CompletedBy:          b.CompletedBy,
	}
	if b.ActiveRequestID != nil {
		dto.ActiveRequestID = string(*b.ActiveRequestID)
	}
	for _, id := range b.SnapshotIDs {
		dto.SnapshotIDs = append(dto.SnapshotIDs, string(id))
	}
	return dto
}

func toRecordDTO(r *payroll.EmployeePayrollRecord) RecordDTO {
	dto := RecordDTO{
		ID:                string(r.ID),
		BatchID:           string(r.BatchID),
		EmployeeID:        r.EmployeeID,
		EmployeeNumber:    r.EmployeeNumber,
		Period:            r.Period.String(),
		Warnings:          r.Row.Warnings,
		SourceFingerprint: r.SourceFingerprint,
		Status:            string(r.Status),
		FailureReason:     r.FailureReason,
		ComputedAt:        r.ComputedAt.Format(time.RFC3339),
	}
	dto.Cells = make([]CellDTO, len(r.Row.Cells))
	for i, cell := range r.Row.Cells {
		dto.Cells[i] = CellDTO{Header: cell.Header, Kind: string(cell.Value.Kind)}
		if !cell.Value.IsNull() {
			s := cell.Value.String()
			dto.Cells[i].Value = &s
		}
	}
	if r.Payslip != nil {
		dto.Payslip = toPayslipDTO(r.Payslip)
	}
	return dto
}

func toPayslipDTO(p *payroll.Payslip) *PayslipDTO {
	dto := &PayslipDTO{
		Gross:      p.Gross.String(),
		Deductions: p.Deductions.String(),
		Net:        p.Net.String(),
		Components: make([]PayslipComponentDTO, len(p.Components)),
	}
	for i, c := range p.Components {
		dto.Components[i] = PayslipComponentDTO{
			Header: c.Header,
			Bucket: string(c.Bucket),
			Amount: c.Amount.String(),
		}
	}
	return dto
}

func toRecalcRequestDTO(r *payroll.RecalculationRequest) RecalcRequestDTO {
	return RecalcRequestDTO{
		ID:          string(r.ID),
		BatchID:     string(r.BatchID),
		RequesterID: r.RequesterID,
		Reason:      r.Reason,
		RequestedAt: r.RequestedAt.Format(time.RFC3339),
		Status:      string(r.Status),
		GranterID:   r.GranterID,
		GrantedAt:   formatTimePtr(r.GrantedAt),
	}
}

func toSnapshotDTO(s *payroll.HistorySnapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:          string(s.ID),
		BatchID:     string(s.BatchID),
		CapturedAt:  s.CapturedAt.Format(time.RFC3339),
		Trigger:     string(s.Trigger),
		BatchStatus: string(s.Batch.Status),
		Records:     len(s.Records),
	}
}

func toJobDTO(j *Job) JobDTO {
	return JobDTO{
		ID:          j.ID,
		Kind:        string(j.Kind),
		BatchID:     string(j.BatchID),
		Status:      string(j.Status),
		Processed:   j.Processed,
		Total:       j.Total,
		Percentage:  j.Percentage(),
		Error:       j.Error,
		SubmittedAt: j.SubmittedAt.Format(time.RFC3339),
		StartedAt:   formatTimePtr(j.StartedAt),
		FinishedAt:  formatTimePtr(j.FinishedAt),
	}
}

func toValidationReportDTO(r *payroll.ValidationReport) ValidationReportDTO {
	dto := ValidationReportDTO{
		BatchID:       string(r.BatchID),
		CheckedAt:     r.CheckedAt.Format(time.RFC3339),
		RecordsTotal:  r.RecordsTotal,
		Clean:         r.Clean(),
		Discrepancies: make([]DiscrepancyDTO, len(r.Discrepancies)),
	}
	for i, d := range r.Discrepancies {
		dto.Discrepancies[i] = DiscrepancyDTO{
			EmployeeID: d.EmployeeID,
			Kind:       string(d.Kind),
			Detail:     d.Detail,
		}
	}
	return dto
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
