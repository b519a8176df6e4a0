package api

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"konform/internal/errs"
	"konform/internal/quota"
	"konform/internal/report"
	"konform/internal/scan"
)

// consentPurpose is the acknowledgment every user records before the
// first fix export: generated artifacts are suggestions, not legal
// advice, and publishing them is the user's responsibility.
const consentPurpose = "beratungshinweis_kenntnisnahme"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"catalog_version": snap.Updated,
		"services":        snap.Len(),
	})
}

type startScanRequest struct {
	URL        string `json:"url"`
	RenderMode string `json:"render_mode,omitempty"` // informational; escalation is automatic
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	var req startScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, errs.Errorf(errs.InvalidInput, "api.StartScan", "url is required"))
		return
	}
	id, err := s.orch.StartScan(r.Context(), userID, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": id})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	result, err := s.orch.GetScan(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	scans, err := s.store.ListScans(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scans": scans})
}

type fixesRequest struct {
	IssueIDs []string           `json:"issue_ids,omitempty"`
	Company  report.CompanyInfo `json:"company"`
}

type fixesResponse struct {
	*scan.FixBundle
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleGenerateFixes(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	var req fixesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bundle, err := s.fixer.Generate(r.Context(), scan.FixRequest{
		UserID:   userID,
		ScanID:   mux.Vars(r)["id"],
		IssueIDs: req.IssueIDs,
		Company:  req.Company,
	})
	if err != nil {
		// Partial bundles ship what was produced; the warning names
		// why the rest is missing.
		if bundle != nil && len(bundle.Fixes) > 0 {
			writeJSON(w, http.StatusOK, fixesResponse{FixBundle: bundle, Warning: errs.CodeOf(err)})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fixesResponse{FixBundle: bundle})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	usage, err := s.ledger.UsageOf(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type feedbackRequest struct {
	Rating  int    `json:"rating"` // 1 (useless) .. 5 (solved it)
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	fixID := mux.Vars(r)["fix_id"]
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, errs.Errorf(errs.InvalidInput, "api.Feedback", "rating must be between 1 and 5"))
		return
	}
	if _, err := s.ownedFix(w, r, userID, fixID); err != nil {
		return
	}
	if err := s.ledger.RecordFeedback(r.Context(), fixID, userID, req.Rating, req.Comment); err != nil {
		if errs.Is(err, errs.InvalidInput) {
			writeConflict(w, "feedback_exists", "feedback for this fix was already recorded")
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	fixID := mux.Vars(r)["fix_id"]
	fix, err := s.ownedFix(w, r, userID, fixID)
	if err != nil {
		return
	}
	if len(fix.Files) == 0 {
		writeError(w, errs.Errorf(errs.InvalidInput, "api.Export",
			"fix %s has no files to export, see its guide", fixID))
		return
	}

	consented, err := s.hasConsent(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !consented {
		writeJSON(w, http.StatusPreconditionFailed, errorBody{Error: errorDetail{
			Code:    "consent_required",
			Message: "confirm via POST /api/v1/consent that generated fixes are not legal advice before exporting",
		}})
		return
	}

	if err := s.ledger.Reserve(r.Context(), userID, quota.ResourceExport); err != nil {
		writeError(w, err)
		return
	}
	archive, err := zipFix(fix)
	if err != nil {
		// Nothing left the server; the export unit goes back.
		_ = s.ledger.Refund(r.Context(), userID, quota.ResourceExport)
		writeError(w, err)
		return
	}
	_ = s.ledger.RecordConsent(r.Context(), userID, fix.ScanID, "fix_export:"+fixID)
	_ = s.ledger.Audit(r.Context(), userID, "fix_exported", fixID, "")

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "konform-fix-"+fixID+".zip"))
	w.WriteHeader(http.StatusOK)
	w.Write(archive)
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		ScanID string `json:"scan_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.RecordConsent(r.Context(), userID, req.ScanID, consentPurpose); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"purpose":    consentPurpose,
		"granted_at": time.Now().UTC(),
	})
}

// ownedFix loads a fix and checks it belongs to the caller; on failure
// it has already written the response.
func (s *Server) ownedFix(w http.ResponseWriter, r *http.Request, userID, fixID string) (*report.Fix, error) {
	fix, err := s.store.GetFix(r.Context(), fixID)
	if err != nil {
		writeError(w, err)
		return nil, err
	}
	owner, err := s.store.GetScan(r.Context(), fix.ScanID)
	if err != nil {
		writeError(w, err)
		return nil, err
	}
	if owner.UserID != userID {
		err := errs.Errorf(errs.PermissionDenied, "api.fix",
			"fix %s does not belong to user %s", fixID, userID)
		writeError(w, err)
		return nil, err
	}
	return fix, nil
}

// hasConsent reports whether the user already acknowledged the
// not-legal-advice notice.
func (s *Server) hasConsent(r *http.Request, userID string) (bool, error) {
	receipts, err := s.ledger.Consents(r.Context(), userID)
	if err != nil {
		return false, err
	}
	for _, receipt := range receipts {
		if receipt.Purpose == consentPurpose {
			return true, nil
		}
	}
	return false, nil
}

// zipFix packs the fix files plus its guide into one archive.
func zipFix(fix *report.Fix) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, file := range fix.Files {
		f, err := zw.Create(file.Path)
		if err != nil {
			return nil, errs.E(errs.Internal, "api.zipFix", err)
		}
		if _, err := f.Write([]byte(file.Content)); err != nil {
			return nil, errs.E(errs.Internal, "api.zipFix", err)
		}
	}
	if fix.Guide != "" {
		f, err := zw.Create("ANLEITUNG.md")
		if err != nil {
			return nil, errs.E(errs.Internal, "api.zipFix", err)
		}
		if _, err := f.Write([]byte(fix.Guide)); err != nil {
			return nil, errs.E(errs.Internal, "api.zipFix", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errs.E(errs.Internal, "api.zipFix", err)
	}
	return buf.Bytes(), nil
}
