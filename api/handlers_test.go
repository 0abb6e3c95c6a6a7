/*
handlers_test.go - End-to-end tests for the HTTP API

Drives the full stack (router -> handlers -> job runner -> orchestrator ->
SQLite store) through httptest against an in-memory database.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/masterdata"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newTestAPI stands up the whole API over an in-memory SQLite store with
// June 2025 fixtures: emp-1 and emp-2 compute cleanly, emp-3 has no pay
// register entry and fails.
func newTestAPI(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seedMasterData(t, store)

	log := logrus.New()
	log.SetOutput(io.Discard)

	orch := payroll.NewOrchestrator(store, store, payroll.DataSources{
		Directory:  store,
		Register:   store,
		Attendance: store,
		Arrears:    store,
	})
	recalc := payroll.NewRecalcCoordinator(store, orch)

	jobs := NewJobRunner(orch, recalc, 1, log)
	jobs.Start()
	t.Cleanup(jobs.Stop)

	handler := NewHandler(store, store, orch, recalc, jobs, log)
	return NewRouter(handler), store
}

func seedMasterData(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveDivision(ctx, masterdata.Division{ID: "div-ops", Name: "Operations"}))
	require.NoError(t, store.SaveDepartment(ctx, masterdata.Department{ID: "dept-field", DivisionID: "div-ops", Name: "Field"}))

	employees := []masterdata.Employee{
		{ID: "emp-1", Number: "E001", Name: "Adler", DivisionID: "div-ops", DepartmentID: "dept-field",
			Status: masterdata.StatusActive, JoinDate: time.Date(2019, time.May, 1, 0, 0, 0, 0, time.UTC), BasicSalary: dec("52000")},
		{ID: "emp-2", Number: "E002", Name: "Bauer", DivisionID: "div-ops", DepartmentID: "dept-field",
			Status: masterdata.StatusActive, JoinDate: time.Date(2020, time.March, 1, 0, 0, 0, 0, time.UTC), BasicSalary: dec("48000")},
		{ID: "emp-3", Number: "E003", Name: "Conti", DivisionID: "div-ops", DepartmentID: "dept-field",
			Status: masterdata.StatusActive, JoinDate: time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC), BasicSalary: dec("45000")},
	}
	for _, emp := range employees {
		require.NoError(t, store.SaveEmployee(ctx, emp))
	}

	for _, entry := range []masterdata.PayRegisterEntry{
		{EmployeeID: "emp-1", Year: 2025, Month: time.June, Version: 1,
			Fields: map[string]decimal.Decimal{"allowance": dec("4000")}},
		{EmployeeID: "emp-2", Year: 2025, Month: time.June, Version: 1,
			Fields: map[string]decimal.Decimal{"allowance": dec("3000")}},
	} {
		require.NoError(t, store.SaveRegisterEntry(ctx, entry))
	}

	_, err := store.SaveColumnSet(ctx, payroll.ColumnSet{
		Columns: []payroll.ColumnSpec{
			{Header: "Basic", Kind: payroll.ColumnField, Bucket: payroll.BucketEarning, FieldPath: "employee.basic_salary"},
			{Header: "Allowance", Kind: payroll.ColumnField, Bucket: payroll.BucketEarning, FieldPath: "register.allowance"},
			{Header: "PF", Kind: payroll.ColumnFormula, Bucket: payroll.BucketDeduction, Expr: "Basic * 0.12"},
		},
	})
	require.NoError(t, err)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// waitForJob polls until the job reaches a terminal status.
func waitForJob(t *testing.T, router http.Handler, jobID string) JobDTO {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, router, http.MethodGet, "/api/jobs/"+jobID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		job := decodeJSON[JobDTO](t, rec)
		switch JobStatus(job.Status) {
		case JobSucceeded, JobFailed, JobCancelled:
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return JobDTO{}
}

// runBatch drives a calculation job to completion and returns the batch ID.
func runBatch(t *testing.T, router http.Handler) string {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/batches", CreateBatchRequest{
		Period: "2025-06", DivisionID: "div-ops", ActorID: "actor-hr",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	job := waitForJob(t, router, decodeJSON[JobDTO](t, rec).ID)
	require.Equal(t, string(JobSucceeded), job.Status, "job error: %s", job.Error)
	require.NotEmpty(t, job.BatchID)
	return job.BatchID
}

// =============================================================================
// BATCH ENDPOINTS
// =============================================================================

func TestAPI_CalculateBatch(t *testing.T) {
	// GIVEN: Three employees, one without a pay register entry
	// WHEN: Submitting a calculation and polling the job
	// THEN: The batch finishes calculated with records exposed over HTTP

	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decodeJSON[BatchDTO](t, rec)
	assert.Equal(t, string(payroll.StatusCalculated), batch.Status)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)

	rec = doJSON(t, router, http.MethodGet, "/api/batches/"+batchID+"/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decodeJSON[[]RecordDTO](t, rec)
	require.Len(t, records, 3)
	assert.Equal(t, "E001", records[0].EmployeeNumber)

	rec = doJSON(t, router, http.MethodGet, "/api/batches/"+batchID+"/records/emp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	record := decodeJSON[RecordDTO](t, rec)
	require.NotNil(t, record.Payslip)
	// basic 52000 + allowance 4000, PF 6240
	assert.Equal(t, "49760", record.Payslip.Net)
}

func TestAPI_CreateBatch_ValidationErrors(t *testing.T) {
	router, _ := newTestAPI(t)

	// Missing actor.
	rec := doJSON(t, router, http.MethodPost, "/api/batches", map[string]string{
		"period": "2025-06", "division_id": "div-ops",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed period.
	rec = doJSON(t, router, http.MethodPost, "/api/batches", CreateBatchRequest{
		Period: "June 2025", DivisionID: "div-ops", ActorID: "actor-hr",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ListBatches_Filters(t *testing.T) {
	router, _ := newTestAPI(t)
	runBatch(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/batches?division_id=div-ops&period=2025-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]BatchDTO](t, rec), 1)

	rec = doJSON(t, router, http.MethodGet, "/api/batches?division_id=div-other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeJSON[[]BatchDTO](t, rec))
}

func TestAPI_GetBatch_NotFound(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/batches/batch-ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_DeleteBatch(t *testing.T) {
	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)

	rec := doJSON(t, router, http.MethodDelete, "/api/batches/"+batchID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/batches/"+batchID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// LIFECYCLE ENDPOINTS
// =============================================================================

func TestAPI_ApprovalLifecycle(t *testing.T) {
	// GIVEN: A calculated batch with one failed record
	// WHEN: Approving without, then with, failure acknowledgment
	// THEN: 400 first, then approved -> frozen -> completed

	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)
	base := "/api/batches/" + batchID

	rec := doJSON(t, router, http.MethodPost, base+"/approve", ApproveBatchRequest{ActorID: "actor-mgr"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, base+"/approve", ApproveBatchRequest{
		ActorID: "actor-mgr", AcknowledgeFailures: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	batch := decodeJSON[BatchDTO](t, rec)
	assert.Equal(t, string(payroll.StatusApproved), batch.Status)

	// Deletion is locked out after approval.
	rec = doJSON(t, router, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, base+"/freeze", ActorRequest{ActorID: "actor-fin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, base+"/complete", ActorRequest{ActorID: "actor-fin"})
	require.Equal(t, http.StatusOK, rec.Code)
	batch = decodeJSON[BatchDTO](t, rec)
	assert.Equal(t, string(payroll.StatusCompleted), batch.Status)
}

func TestAPI_BulkApprove(t *testing.T) {
	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/batches/bulk-approve", BulkApproveRequest{
		BatchIDs: []string{batchID, "batch-ghost"}, ActorID: "actor-mgr", AcknowledgeFailures: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	results := decodeJSON[[]BulkApproveResultDTO](t, rec)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.NotEmpty(t, results[1].Error)
}

func TestAPI_ValidateBatch(t *testing.T) {
	router, store := newTestAPI(t)
	batchID := runBatch(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/batches/"+batchID+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeJSON[ValidationReportDTO](t, rec)
	assert.True(t, report.Clean)

	// Amend the register and validate again.
	require.NoError(t, store.SaveRegisterEntry(context.Background(), masterdata.PayRegisterEntry{
		EmployeeID: "emp-1", Year: 2025, Month: time.June,
		Fields: map[string]decimal.Decimal{"allowance": dec("9000")},
	}))

	rec = doJSON(t, router, http.MethodPost, "/api/batches/"+batchID+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report = decodeJSON[ValidationReportDTO](t, rec)
	assert.False(t, report.Clean)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "emp-1", report.Discrepancies[0].EmployeeID)
}

// =============================================================================
// RECALCULATION ENDPOINTS
// =============================================================================

func TestAPI_RecalculationFlow(t *testing.T) {
	// GIVEN: An approved batch
	// WHEN: Request -> self-grant attempt -> grant -> execute
	// THEN: Protocol violations map to 400 and the run replaces the records

	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)
	base := "/api/batches/" + batchID

	rec := doJSON(t, router, http.MethodPost, base+"/approve", ApproveBatchRequest{
		ActorID: "actor-mgr", AcknowledgeFailures: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, base+"/recalc-requests", SubmitRecalcRequest{
		RequesterID: "actor-hr", Reason: "register amended",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, base+"/recalc-requests/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	request := decodeJSON[RecalcRequestDTO](t, rec)
	assert.Equal(t, string(payroll.RecalcPending), request.Status)

	// Self-approval is a protocol violation.
	rec = doJSON(t, router, http.MethodPost, base+"/recalc-requests/grant", DecideRecalcRequest{GranterID: "actor-hr"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, base+"/recalc-requests/grant", DecideRecalcRequest{GranterID: "actor-mgr"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, base+"/recalculate", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := waitForJob(t, router, decodeJSON[JobDTO](t, rec).ID)
	require.Equal(t, string(JobSucceeded), job.Status, "job error: %s", job.Error)

	rec = doJSON(t, router, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(payroll.StatusCalculated), decodeJSON[BatchDTO](t, rec).Status)

	// The pre-recalculation snapshot is listed.
	rec = doJSON(t, router, http.MethodGet, base+"/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshots := decodeJSON[[]SnapshotDTO](t, rec)
	require.Len(t, snapshots, 1)
	assert.Equal(t, string(payroll.TriggerPreRecalculation), snapshots[0].Trigger)
}

func TestAPI_RecalcRequest_UnlockedBatchRejected(t *testing.T) {
	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/batches/"+batchID+"/recalc-requests", SubmitRecalcRequest{
		RequesterID: "actor-hr",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ROLLBACK ENDPOINT
// =============================================================================

func TestAPI_Rollback(t *testing.T) {
	router, store := newTestAPI(t)
	batchID := runBatch(t, router)
	base := "/api/batches/" + batchID

	// Approve, then amend the register so the recalculation moves the
	// stored values away from the snapshot.
	rec := doJSON(t, router, http.MethodPost, base+"/approve", ApproveBatchRequest{ActorID: "actor-mgr", AcknowledgeFailures: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, store.SaveRegisterEntry(context.Background(), masterdata.PayRegisterEntry{
		EmployeeID: "emp-1", Year: 2025, Month: time.June,
		Fields: map[string]decimal.Decimal{"allowance": dec("9000")},
	}))

	rec = doJSON(t, router, http.MethodPost, base+"/recalc-requests", SubmitRecalcRequest{RequesterID: "actor-hr"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, base+"/recalc-requests/grant", DecideRecalcRequest{GranterID: "actor-mgr"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, base+"/recalculate", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := waitForJob(t, router, decodeJSON[JobDTO](t, rec).ID)
	require.Equal(t, string(JobSucceeded), job.Status)

	// 52000 + 9000 - 6240 after the recompute.
	rec = doJSON(t, router, http.MethodGet, base+"/records/emp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	record := decodeJSON[RecordDTO](t, rec)
	require.NotNil(t, record.Payslip)
	require.Equal(t, "54760", record.Payslip.Net)

	rec = doJSON(t, router, http.MethodGet, base+"/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshots := decodeJSON[[]SnapshotDTO](t, rec)
	require.Len(t, snapshots, 1)

	rec = doJSON(t, router, http.MethodPost, base+"/rollback", RollbackRequest{
		SnapshotID: snapshots[0].ID, ActorID: "actor-admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	batch := decodeJSON[BatchDTO](t, rec)
	assert.Equal(t, string(payroll.StatusApproved), batch.Status, "rollback restores the pre-recalculation status")

	// The record values round-trip back to the pre-recalculation payslip:
	// 52000 + 4000 - 6240.
	rec = doJSON(t, router, http.MethodGet, base+"/records/emp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	record = decodeJSON[RecordDTO](t, rec)
	require.NotNil(t, record.Payslip)
	assert.Equal(t, "49760", record.Payslip.Net)
	assert.Equal(t, "56000", record.Payslip.Gross)
}

// =============================================================================
// CONFIG ENDPOINTS
// =============================================================================

func TestAPI_ColumnConfig(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/config/columns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeJSON[payroll.ColumnSet](t, rec)
	assert.Equal(t, 1, current.Version)

	// A forward reference is rejected at save time.
	rec = doJSON(t, router, http.MethodPut, "/api/config/columns", payroll.ColumnSet{
		Columns: []payroll.ColumnSpec{
			{Header: "Net", Kind: payroll.ColumnFormula, Bucket: payroll.BucketInfo, Expr: "Basic - 1"},
			{Header: "Basic", Kind: payroll.ColumnField, Bucket: payroll.BucketEarning, FieldPath: "employee.basic_salary"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A valid save bumps the version.
	current.Columns = append(current.Columns, payroll.ColumnSpec{
		Header: "Tax", Kind: payroll.ColumnFormula, Bucket: payroll.BucketDeduction, Expr: "Basic * 0.1",
	})
	rec = doJSON(t, router, http.MethodPut, "/api/config/columns", current)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	saved := decodeJSON[payroll.ColumnSet](t, rec)
	assert.Equal(t, 2, saved.Version)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestAPI_MigrateDivisions(t *testing.T) {
	router, _ := newTestAPI(t)
	batchID := runBatch(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/migrate-divisions", MigrateDivisionsRequest{
		Divisions: map[string]string{"div-ops": "div-field-ops"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeJSON[map[string]int](t, rec)
	assert.Equal(t, 1, result["migrated"])

	rec = doJSON(t, router, http.MethodGet, "/api/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decodeJSON[BatchDTO](t, rec)
	assert.Equal(t, "div-field-ops", batch.Scope.DivisionID)
}

// =============================================================================
// JOB ENDPOINTS
// =============================================================================

func TestAPI_Jobs(t *testing.T) {
	router, _ := newTestAPI(t)
	runBatch(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeJSON[[]JobDTO](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, string(JobCalculate), jobs[0].Kind)

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/job-ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ErrorResponseShape(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/batches/batch-ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
}
