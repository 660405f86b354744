package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicbook/booking-engine/internal/appointment"
	"github.com/clinicbook/booking-engine/internal/payment"
	"github.com/clinicbook/booking-engine/internal/policy"
	redisclient "github.com/clinicbook/booking-engine/internal/redis"
	"github.com/clinicbook/booking-engine/internal/schedule"
	"github.com/clinicbook/booking-engine/internal/slot"
)

// BookingService is the slice of the appointment service the handlers use.
type BookingService interface {
	Create(ctx context.Context, req appointment.CreateRequest) (*appointment.Appointment, *payment.Payment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, policy.Verdict, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Detail, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, status *appointment.Status, limit, offset int) ([]appointment.Detail, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, status *appointment.Status, limit, offset int) ([]appointment.Detail, error)
}

type PaymentGateway interface {
	Initiate(ctx context.Context, paymentID uuid.UUID) (*payment.InitiateResult, error)
	Verify(ctx context.Context, pidx, txnID string) (*payment.VerifyResult, error)
}

type ScheduleService interface {
	Availability(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]slot.TimeSlot, error)
	Calendar(ctx context.Context, doctorID uuid.UUID, from, to time.Time) (map[string][]schedule.Entry, error)
}

// Identity comes from the auth layer in front of this service, passed as
// trusted headers.
func patientID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Patient-ID"))
	return id, err == nil
}

func doctorID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Doctor-ID"))
	return id, err == nil
}

func bookAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := patientID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "X-Patient-ID header is required")
			return
		}

		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		did, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		slotID, err := uuid.Parse(req.TimeSlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time_slot_id", "time_slot_id must be a valid UUID")
			return
		}

		appt, pay, err := svc.Create(r.Context(), appointment.CreateRequest{
			PatientID:        pid,
			DoctorID:         did,
			SlotID:           slotID,
			ConsultationType: appointment.ConsultationType(req.ConsultationType),
			Symptoms:         req.Symptoms,
			Notes:            req.Notes,
		})
		if err != nil {
			handleBookError(w, err)
			return
		}

		resp := BookAppointmentResponse{
			AppointmentID:   appt.ID,
			PaymentID:       pay.ID,
			PaymentAmount:   pay.AmountCents,
			PaymentCurrency: pay.Currency,
			Status:          string(appt.Status),
		}
		if det, detErr := svc.Get(r.Context(), appt.ID); detErr == nil {
			resp.DoctorName = det.DoctorName
			if det.Slot != nil {
				resp.AppointmentDate = det.Slot.StartTime.Format("2006-01-02")
				resp.AppointmentTime = det.Slot.StartTime.Format("15:04")
			}
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleBookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, slot.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidConsultationType):
		writeError(w, http.StatusBadRequest, "invalid_consultation_type", err.Error())
	case errors.Is(err, slot.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is no longer available, please pick another time")
	case errors.Is(err, slot.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func cancelAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if !authorizedForAppointment(r, svc, id, w) {
			return
		}

		appt, verdict, err := svc.Cancel(r.Context(), id, req.CancellationReason)
		if err != nil {
			handleCancelError(w, err, verdict)
			return
		}

		writeJSON(w, http.StatusOK, CancelAppointmentResponse{
			Status:         string(appt.Status),
			RefundFraction: verdict.RefundFraction,
			Reason:         verdict.Reason,
		})
	}
}

// authorizedForAppointment checks the caller owns the booking, as patient
// or doctor. Writes the error response itself when not.
func authorizedForAppointment(r *http.Request, svc BookingService, id uuid.UUID, w http.ResponseWriter) bool {
	det, err := svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return false
	}

	if pid, ok := patientID(r); ok && pid == det.PatientID {
		return true
	}
	if did, ok := doctorID(r); ok && did == det.DoctorID {
		return true
	}

	writeError(w, http.StatusForbidden, "forbidden", "appointment belongs to someone else")
	return false
}

func handleCancelError(w http.ResponseWriter, err error, verdict policy.Verdict) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, appointment.ErrCancellationNotAllowed):
		writeError(w, http.StatusConflict, "cancellation_not_allowed", verdict.Reason)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if !authorizedForAppointment(r, svc, id, w) {
			return
		}

		det, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*det))
	}
}

func listAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := patientID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "X-Patient-ID header is required")
			return
		}
		listAppointments(w, r, func(status *appointment.Status, limit, offset int) ([]appointment.Detail, error) {
			return svc.ListByPatient(r.Context(), pid, status, limit, offset)
		})
	}
}

func listDoctorAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did, ok := doctorID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "X-Doctor-ID header is required")
			return
		}
		listAppointments(w, r, func(status *appointment.Status, limit, offset int) ([]appointment.Detail, error) {
			return svc.ListByDoctor(r.Context(), did, status, limit, offset)
		})
	}
}

func listAppointments(w http.ResponseWriter, r *http.Request, list func(*appointment.Status, int, int) ([]appointment.Detail, error)) {
	var status *appointment.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := appointment.Status(s)
		status = &st
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	details, err := list(status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp := make([]AppointmentResponse, 0, len(details))
	for _, det := range details {
		resp = append(resp, toAppointmentResponse(det))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toAppointmentResponse(det appointment.Detail) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 det.ID,
		PatientID:          det.PatientID,
		DoctorID:           det.DoctorID,
		DoctorName:         det.DoctorName,
		PatientName:        det.PatientName,
		TimeSlotID:         det.SlotID,
		ConsultationType:   string(det.ConsultationType),
		Symptoms:           det.Symptoms,
		Notes:              det.Notes,
		Status:             string(det.Status),
		CancellationReason: det.CancellationReason,
		PaymentStatus:      det.PaymentStatus,
		AmountCents:        det.AmountCents,
		CreatedAt:          det.CreatedAt,
	}
	if det.Slot != nil {
		resp.Date = det.Slot.StartTime.Format("2006-01-02")
		resp.StartTime = det.Slot.StartTime.Format("15:04")
		resp.EndTime = det.Slot.EndTime.Format("15:04")
	}
	return resp
}

func initiatePaymentHandler(gw PaymentGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payment_id", "id must be a valid UUID")
			return
		}

		res, err := gw.Initiate(r.Context(), id)
		if err != nil {
			handleInitiateError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, InitiatePaymentResponse{
			Pidx:          res.Pidx,
			PaymentURL:    res.PaymentURL,
			TransactionID: res.TransactionID,
		})
	}
}

func handleInitiateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment_not_found", err.Error())
	case errors.Is(err, payment.ErrAlreadyInitiated):
		writeError(w, http.StatusConflict, "already_initiated", err.Error())
	case errors.Is(err, payment.ErrAppointmentNotPending):
		writeError(w, http.StatusConflict, "appointment_not_pending", err.Error())
	case errors.Is(err, payment.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "payment provider is unreachable, try again shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func verifyPaymentHandler(gw PaymentGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VerifyPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Pidx == "" {
			writeError(w, http.StatusBadRequest, "missing_pidx", "pidx is required")
			return
		}

		res, err := gw.Verify(r.Context(), req.Pidx, req.TransactionID)
		if err != nil {
			handleVerifyError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, VerifyPaymentResponse{
			Outcome:       string(res.Outcome),
			AppointmentID: res.AppointmentID,
			PaymentID:     res.PaymentID,
			Reason:        res.Reason,
		})
	}
}

func handleVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrUnknownPayment):
		writeError(w, http.StatusNotFound, "unknown_payment", err.Error())
	case errors.Is(err, appointment.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, payment.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "payment provider is unreachable, try again shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func doctorTimeSlotsHandler(sched ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := sched.Availability(r.Context(), did, date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]TimeSlotResponse, 0, len(slots))
		for _, sl := range slots {
			resp = append(resp, toTimeSlotResponse(sl))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func doctorScheduleHandler(sched ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did, ok := doctorID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "X-Doctor-ID header is required")
			return
		}

		from, err := time.Parse("2006-01-02", r.URL.Query().Get("startDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date", "startDate must be YYYY-MM-DD")
			return
		}
		to, err := time.Parse("2006-01-02", r.URL.Query().Get("endDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date", "endDate must be YYYY-MM-DD")
			return
		}

		cal, err := sched.Calendar(r.Context(), did, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make(map[string][]ScheduleEntryResponse, len(cal))
		for day, entries := range cal {
			out := make([]ScheduleEntryResponse, 0, len(entries))
			for _, e := range entries {
				item := ScheduleEntryResponse{Slot: toTimeSlotResponse(e.Slot)}
				if e.Appointment != nil {
					item.Appointment = &ScheduleAppointmentSummary{
						AppointmentID: e.Appointment.AppointmentID,
						PatientName:   e.Appointment.PatientName,
						Symptoms:      e.Appointment.Symptoms,
						Status:        string(e.Appointment.Status),
					}
				}
				out = append(out, item)
			}
			resp[day] = out
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func toTimeSlotResponse(sl slot.TimeSlot) TimeSlotResponse {
	return TimeSlotResponse{
		ID:        sl.ID,
		DoctorID:  sl.DoctorID,
		Date:      sl.Date.Format("2006-01-02"),
		StartTime: sl.StartTime,
		EndTime:   sl.EndTime,
		State:     string(sl.State),
	}
}
