package appointment

import (
	"context"

	"go.uber.org/zap"
)

// Notifier is told about booking milestones. The default implementation
// just logs; a mail or SMS sender can be dropped in behind it.
type Notifier interface {
	AppointmentConfirmed(ctx context.Context, appt *Appointment)
	AppointmentCancelled(ctx context.Context, appt *Appointment, refundFraction float64)
}

type logNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &logNotifier{log: log}
}

func (n *logNotifier) AppointmentConfirmed(_ context.Context, appt *Appointment) {
	n.log.Info("appointment confirmed",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("patient_id", appt.PatientID.String()),
		zap.String("doctor_id", appt.DoctorID.String()),
	)
}

func (n *logNotifier) AppointmentCancelled(_ context.Context, appt *Appointment, refundFraction float64) {
	n.log.Info("appointment cancelled",
		zap.String("appointment_id", appt.ID.String()),
		zap.Float64("refund_fraction", refundFraction),
	)
}
