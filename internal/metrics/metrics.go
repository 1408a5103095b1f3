package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewauth_otp_requests_total",
		Help: "Total number of OTP issue requests.",
	}, []string{"status"}) // status: "issued", "cooldown", "invalid", "error"

	OTPVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewauth_otp_verifications_total",
		Help: "Total number of OTP verification attempts.",
	}, []string{"status"}) // status: "verified", "incorrect", "expired", "exhausted", "not_found", "invalid", "error"

	EmailSendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewauth_email_send_errors_total",
		Help: "Total number of failed OTP e-mail dispatches.",
	})
)
