package api

import (
	"time"

	"github.com/google/uuid"
)

type BookAppointmentRequest struct {
	DoctorID         string `json:"doctor_id"`
	TimeSlotID       string `json:"time_slot_id"`
	ConsultationType string `json:"consultation_type"`
	Symptoms         string `json:"symptoms"`
	Notes            string `json:"notes,omitempty"`
}

type BookAppointmentResponse struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	PaymentID       uuid.UUID `json:"payment_id"`
	PaymentAmount   int64     `json:"payment_amount"`
	PaymentCurrency string    `json:"payment_currency"`
	DoctorName      string    `json:"doctor_name"`
	AppointmentDate string    `json:"appointment_date"`
	AppointmentTime string    `json:"appointment_time"`
	Status          string    `json:"status"`
}

type CancelAppointmentRequest struct {
	CancellationReason string `json:"cancellation_reason"`
}

type CancelAppointmentResponse struct {
	Status         string  `json:"status"`
	RefundFraction float64 `json:"refund_fraction"`
	Reason         string  `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          uuid.UUID `json:"patient_id"`
	DoctorID           uuid.UUID `json:"doctor_id"`
	DoctorName         string    `json:"doctor_name"`
	PatientName        string    `json:"patient_name"`
	TimeSlotID         uuid.UUID `json:"time_slot_id"`
	ConsultationType   string    `json:"consultation_type"`
	Symptoms           string    `json:"symptoms,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	Status             string    `json:"status"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	PaymentStatus      string    `json:"payment_status,omitempty"`
	AmountCents        int64     `json:"amount_cents,omitempty"`
	Date               string    `json:"date,omitempty"`
	StartTime          string    `json:"start_time,omitempty"`
	EndTime            string    `json:"end_time,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type InitiatePaymentResponse struct {
	Pidx          string `json:"pidx"`
	PaymentURL    string `json:"payment_url"`
	TransactionID string `json:"transaction_id"`
}

type VerifyPaymentRequest struct {
	Pidx          string `json:"pidx"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type VerifyPaymentResponse struct {
	Outcome       string    `json:"outcome"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	PaymentID     uuid.UUID `json:"payment_id"`
	Reason        string    `json:"reason,omitempty"`
}

type TimeSlotResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	State     string    `json:"state"`
}

type ScheduleEntryResponse struct {
	Slot        TimeSlotResponse            `json:"slot"`
	Appointment *ScheduleAppointmentSummary `json:"appointment,omitempty"`
}

type ScheduleAppointmentSummary struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientName   string    `json:"patient_name"`
	Symptoms      string    `json:"symptoms,omitempty"`
	Status        string    `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
