// Package api provides HTTP handlers for CarePulse endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/tasks"
)

type createPatientRequest struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Timezone  string `json:"timezone"`
	CRMLeadID string `json:"crm_lead_id"`
}

func (s *Server) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req createPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createPatientHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Phone)
	if err != nil {
		slog.Warn("Server.createPatientHandler: recipient validation failed", "error", err, "phone", req.Phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	patient := &models.Patient{
		Name:      req.Name,
		Phone:     "+" + canonical,
		Timezone:  req.Timezone,
		CRMLeadID: req.CRMLeadID,
	}
	if patient.Timezone != "" {
		if _, err := time.LoadLocation(patient.Timezone); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown timezone"))
			return
		}
	}
	if err := s.store.CreatePatient(patient); err != nil {
		if errors.Is(err, models.ErrDuplicatePhone) {
			writeJSONResponse(w, http.StatusConflict, models.Error("A patient with this phone number already exists"))
			return
		}
		slog.Error("Server.createPatientHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create patient"))
		return
	}
	slog.Info("Server.createPatientHandler: patient created", "patientID", patient.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(patient))
}

type enrollRequest struct {
	TemplateID string `json:"template_id"`
	StartDate  string `json:"start_date"` // YYYY-MM-DD, defaults to today
}

func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	patientID := mux.Vars(r)["id"]
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	if _, err := s.store.GetTemplate(req.TemplateID); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Program template not found"))
		return
	}
	start := time.Now().In(patient.Location())
	if req.StartDate != "" {
		start, err = time.ParseInLocation("2006-01-02", req.StartDate, patient.Location())
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("start_date must be YYYY-MM-DD"))
			return
		}
	}
	enrollment := &models.ProgramEnrollment{
		PatientID:  patientID,
		TemplateID: req.TemplateID,
		StartDate:  start,
		Status:     models.EnrollmentStatusActive,
	}
	if err := s.store.CreateEnrollment(enrollment); err != nil {
		if errors.Is(err, models.ErrAlreadyEnrolled) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Patient already has an active enrollment"))
			return
		}
		slog.Error("Server.enrollHandler: enroll failed", "patientID", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll patient"))
		return
	}
	slog.Info("Server.enrollHandler: patient enrolled", "patientID", patientID, "templateID", req.TemplateID)
	writeJSONResponse(w, http.StatusCreated, models.Success(enrollment))
}

type automationRequest struct {
	Paused bool   `json:"paused"`
	SetBy  string `json:"set_by"`
}

// automationHandler toggles the manual automation pause for one patient.
func (s *Server) automationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	patientID := mux.Vars(r)["id"]
	var req automationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	patient.AutomationPaused = req.Paused
	now := time.Now()
	patient.ModeSetAt = &now
	if req.SetBy != "" {
		patient.ModeSetBy = req.SetBy
	}
	if err := s.store.UpdatePatient(patient); err != nil {
		slog.Error("Server.automationHandler: update failed", "patientID", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update automation state"))
		return
	}
	slog.Info("Server.automationHandler: automation toggled", "patientID", patientID, "paused", req.Paused)
	writeJSONResponse(w, http.StatusOK, models.Recorded(patient))
}

// scheduleHandler returns the patient's resolved day schedule with
// satisfaction flags.
func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	if _, err := s.store.GetPatient(patientID); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	day, err := s.matcher.Schedule(patientID, time.Now())
	if err != nil {
		slog.Error("Server.scheduleHandler: schedule resolution failed", "patientID", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve schedule"))
		return
	}
	if day == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No active enrollment", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(day))
}

func (s *Server) createTemplateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var tmpl models.ProgramTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := tmpl.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.CreateTemplate(&tmpl); err != nil {
		slog.Error("Server.createTemplateHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create template"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(tmpl))
}

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.AlertStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.AlertStatusOpen
	}
	alerts, err := s.store.ListAlerts(status)
	if err != nil {
		slog.Error("Server.listAlertsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list alerts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

type resolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	alertID := mux.Vars(r)["id"]
	var req resolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ResolvedBy == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("resolved_by is required"))
		return
	}
	alert, err := s.alerter.Resolve(alertID, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAlertNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Alert not found"))
		case errors.Is(err, models.ErrAlertAlreadyResolved):
			writeJSONResponse(w, http.StatusConflict, models.Error("Alert is already resolved"))
		default:
			slog.Error("Server.resolveAlertHandler: resolve failed", "alertID", alertID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve alert"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alert))
}

// listTasksHandler returns tasks annotated with their computed SLA state.
func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.TaskStatusOpen
	}
	list, err := s.store.ListTasks(status)
	if err != nil {
		slog.Error("Server.listTasksHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list tasks"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks.AnnotateSLA(list, time.Now())))
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
