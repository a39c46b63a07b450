package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/chairbook/libs/auth"
	"github.com/md-rashed-zaman/chairbook/libs/httpx"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/allocator"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/status"
)

// RoleHeader carries the caller role when no JWT secret is configured (a trusted gateway sets it).
const RoleHeader = "X-Role"

type SchedulingHandler struct {
	svc       *booking.Service
	logger    *slog.Logger
	jwtSecret string
	now       func() time.Time
}

func NewSchedulingHandler(svc *booking.Service, logger *slog.Logger, jwtSecret string) *SchedulingHandler {
	return &SchedulingHandler{svc: svc, logger: logger, jwtSecret: jwtSecret, now: time.Now}
}

func (h *SchedulingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/slots", httpx.AllowMethods(h.Slots, http.MethodGet))
	mux.HandleFunc("/api/v1/appointments", httpx.AllowMethods(h.Appointments, http.MethodGet, http.MethodPost))
	mux.HandleFunc("/api/v1/appointments/auto", httpx.AllowMethods(h.AutoBook, http.MethodPost))
	mux.HandleFunc("/api/v1/appointments/get", httpx.AllowMethods(h.Get, http.MethodGet))
	mux.HandleFunc("/api/v1/appointments/reschedule", httpx.AllowMethods(h.Reschedule, http.MethodPost))
	mux.HandleFunc("/api/v1/appointments/status", httpx.AllowMethods(h.Transition, http.MethodPost))
	mux.HandleFunc("/api/v1/layout", httpx.AllowMethods(h.Layout, http.MethodGet))
	mux.HandleFunc("/api/v1/policy", httpx.AllowMethods(h.Policy, http.MethodGet))
}

// role resolves the caller role. With required=false a missing role yields "".
func (h *SchedulingHandler) role(r *http.Request, required bool) (status.Role, error) {
	raw := ""
	if h.jwtSecret != "" {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			if !required {
				return "", nil
			}
			return "", fmt.Errorf("%w: missing bearer token", auth.ErrInvalidToken)
		}
		claims, err := auth.ParseAndVerifyHS256(token, h.jwtSecret, h.now())
		if err != nil {
			return "", err
		}
		raw = claims.Role
	} else {
		raw = r.Header.Get(RoleHeader)
	}
	if strings.TrimSpace(raw) == "" && !required {
		return "", nil
	}
	return status.ParseRole(raw)
}

type slotResponse struct {
	ProviderID  string `json:"provider_id"`
	OperatoryID string `json:"operatory_id"`
	Date        string `json:"date"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

func toSlotResponse(s allocator.Slot) slotResponse {
	return slotResponse{
		ProviderID:  s.ProviderID,
		OperatoryID: s.OperatoryID,
		Date:        s.Date.String(),
		Start:       s.Range.Start.String(),
		End:         s.Range.End.String(),
	}
}

type appointmentResponse struct {
	ID             string         `json:"id"`
	PatientID      string         `json:"patient_id"`
	ProviderID     string         `json:"provider_id"`
	OperatoryID    string         `json:"operatory_id"`
	Date           string         `json:"date"`
	Start          string         `json:"start"`
	End            string         `json:"end"`
	Duration       int            `json:"duration_minutes"`
	Status         model.Status   `json:"status"`
	DisplayStatus  model.Status   `json:"display_status,omitempty"`
	AllowedActions []model.Status `json:"allowed_actions,omitempty"`
	Procedure      string         `json:"procedure,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Version        int64          `json:"version"`
	ConfirmedAt    *time.Time     `json:"confirmed_at,omitempty"`
	ArrivedAt      *time.Time     `json:"arrived_at,omitempty"`
	SeatedAt       *time.Time     `json:"seated_at,omitempty"`
	ChairStartedAt *time.Time     `json:"chair_started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		ProviderID:     a.ProviderID,
		OperatoryID:    a.OperatoryID,
		Date:           a.Date.String(),
		Start:          a.StartTime.String(),
		End:            a.EndTime.String(),
		Duration:       a.Duration,
		Status:         a.Status,
		Procedure:      a.Procedure,
		Notes:          a.Notes,
		Version:        a.Version,
		ConfirmedAt:    a.ConfirmedAt,
		ArrivedAt:      a.ArrivedAt,
		SeatedAt:       a.SeatedAt,
		ChairStartedAt: a.ChairStartedAt,
		CompletedAt:    a.CompletedAt,
		CancelledAt:    a.CancelledAt,
	}
}

func fromView(v booking.View) appointmentResponse {
	out := toAppointmentResponse(v.Appointment)
	out.DisplayStatus = v.DisplayStatus
	out.AllowedActions = v.AllowedActions
	return out
}

func (h *SchedulingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	if providerID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "provider_id is required")
		return
	}
	date, err := interval.ParseDate(q.Get("date"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	minutes, err := strconv.Atoi(q.Get("duration_minutes"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "duration_minutes must be an integer")
		return
	}
	slot, err := h.svc.FindSlot(r.Context(), allocator.Request{
		ProviderID:      providerID,
		Date:            date,
		DurationMinutes: minutes,
		Segment:         calendar.Segment(strings.TrimSpace(q.Get("segment"))),
		OperatoryID:     strings.TrimSpace(q.Get("operatory_id")),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSlotResponse(slot))
}

type createRequest struct {
	ProviderID      string `json:"provider_id"`
	OperatoryID     string `json:"operatory_id"`
	Date            string `json:"date"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
	PatientID       string `json:"patient_id"`
	Procedure       string `json:"procedure"`
	Notes           string `json:"notes"`
}

// Appointments lists a day on GET and books an explicit slot on POST.
func (h *SchedulingHandler) Appointments(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.list(w, r)
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := interval.ParseDate(req.Date)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	start, err := interval.ParseClock(req.Start)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appt, err := h.svc.CreateAppointment(r.Context(), booking.CreateRequest{
		ProviderID:      strings.TrimSpace(req.ProviderID),
		OperatoryID:     strings.TrimSpace(req.OperatoryID),
		Date:            date,
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		PatientID:       strings.TrimSpace(req.PatientID),
		Procedure:       strings.TrimSpace(req.Procedure),
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) list(w http.ResponseWriter, r *http.Request) {
	role, err := h.role(r, false)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	date, err := interval.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	views, err := h.svc.ListDay(r.Context(), date, role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	items := make([]appointmentResponse, 0, len(views))
	for _, v := range views {
		items = append(items, fromView(v))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"date": date.String(), "appointments": items})
}

type autoBookRequest struct {
	ProviderID      string `json:"provider_id"`
	OperatoryID     string `json:"operatory_id"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
	Segment         string `json:"segment"`
	PatientID       string `json:"patient_id"`
	Procedure       string `json:"procedure"`
	Notes           string `json:"notes"`
}

func (h *SchedulingHandler) AutoBook(w http.ResponseWriter, r *http.Request) {
	var req autoBookRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := interval.ParseDate(req.Date)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	appt, err := h.svc.BookFirstAvailable(r.Context(), booking.AutoBookRequest{
		ProviderID:      strings.TrimSpace(req.ProviderID),
		OperatoryID:     strings.TrimSpace(req.OperatoryID),
		Date:            date,
		DurationMinutes: req.DurationMinutes,
		Segment:         calendar.Segment(strings.TrimSpace(req.Segment)),
		PatientID:       strings.TrimSpace(req.PatientID),
		Procedure:       strings.TrimSpace(req.Procedure),
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	role, err := h.role(r, false)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	v, err := h.svc.Get(r.Context(), id, role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, fromView(v))
}

type rescheduleRequest struct {
	AppointmentID   string `json:"appointment_id"`
	ProviderID      string `json:"provider_id"`
	OperatoryID     string `json:"operatory_id"`
	Start           string `json:"start"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (h *SchedulingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AppointmentID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "appointment_id is required")
		return
	}
	start, err := interval.ParseClock(req.Start)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	appt, err := h.svc.ProposeReschedule(r.Context(), strings.TrimSpace(req.AppointmentID), booking.RescheduleRequest{
		ProviderID:      strings.TrimSpace(req.ProviderID),
		OperatoryID:     strings.TrimSpace(req.OperatoryID),
		Start:           start,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type transitionRequest struct {
	AppointmentID   string `json:"appointment_id"`
	Status          string `json:"status"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (h *SchedulingHandler) Transition(w http.ResponseWriter, r *http.Request) {
	role, err := h.role(r, true)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	to, ok := model.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	if req.ExpectedVersion <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "expected_version is required")
		return
	}
	appt, err := h.svc.TransitionStatus(r.Context(), strings.TrimSpace(req.AppointmentID), to, role, req.ExpectedVersion)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *SchedulingHandler) Layout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := interval.ParseDate(q.Get("date"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind := model.KindProvider
	if raw := strings.TrimSpace(q.Get("resource_kind")); raw != "" {
		parsed, ok := model.ParseResourceKind(raw)
		if !ok {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown resource_kind %q", raw))
			return
		}
		kind = parsed
	}
	resourceID := strings.TrimSpace(q.Get("resource_id"))
	if resourceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "resource_id is required")
		return
	}
	ppm := 1.0
	if raw := q.Get("pixels_per_minute"); raw != "" {
		ppm, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "pixels_per_minute must be a number")
			return
		}
	}
	rects, err := h.svc.ColumnLayout(r.Context(), kind, resourceID, date, ppm)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"date":          date.String(),
		"resource_kind": kind,
		"resource_id":   resourceID,
		"rects":         rects,
	})
}

// Policy returns the transition menu for a role, taken from ?role= or the caller.
func (h *SchedulingHandler) Policy(w http.ResponseWriter, r *http.Request) {
	var (
		role status.Role
		err  error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("role")); raw != "" {
		role, err = status.ParseRole(raw)
	} else {
		role, err = h.role(r, true)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"role": role, "transitions": h.svc.Policy(role)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return false
	}
	return true
}
