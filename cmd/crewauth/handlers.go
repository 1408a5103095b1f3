package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crewvar/crewauth/internal/otp"
)

// httpResp is the JSON envelope all API responses are wrapped in. Code
// carries the machine-readable error class so clients can render a
// precise message per failure.
type httpResp struct {
	Status  string      `json:"status"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type otpReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type requestResp struct {
	Success bool `json:"success"`
}

type verifyResp struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach store.", "unavailable", http.StatusServiceUnavailable)
		return
	}

	sendResponse(w, "OK")
}

// handleRequestOTP issues a login code for an e-mail address and
// dispatches it out-of-band. The response never carries the code.
func handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	req, err := decodeReq(r)
	if err != nil {
		sendErrorResponse(w, "Invalid request body.", "invalid_argument", http.StatusBadRequest)
		return
	}

	if err := app.otp.Request(r.Context(), req.Email); err != nil {
		sendOTPError(w, app, err)
		return
	}

	sendResponse(w, requestResp{Success: true})
}

// handleVerifyOTP checks a submitted code and, on success, returns a
// single-use sign-in credential.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	req, err := decodeReq(r)
	if err != nil {
		sendErrorResponse(w, "Invalid request body.", "invalid_argument", http.StatusBadRequest)
		return
	}

	token, err := app.otp.Verify(r.Context(), req.Email, req.Code)
	if err != nil {
		sendOTPError(w, app, err)
		return
	}

	sendResponse(w, verifyResp{Success: true, Token: token})
}

// sendOTPError maps the service's error taxonomy to an HTTP status and a
// stable machine-readable code.
func sendOTPError(w http.ResponseWriter, app *App, err error) {
	switch {
	case errors.Is(err, otp.ErrInvalidEmail):
		sendErrorResponse(w, "Invalid email address.", "invalid_argument", http.StatusBadRequest)
	case errors.Is(err, otp.ErrInvalidCode):
		sendErrorResponse(w, "Code must be 6 digits.", "invalid_argument", http.StatusBadRequest)
	case errors.Is(err, otp.ErrCooldown):
		sendErrorResponse(w, "Please wait before requesting another code.", "resource_exhausted", http.StatusTooManyRequests)
	case errors.Is(err, otp.ErrTooManyAttempts):
		sendErrorResponse(w, "Too many incorrect attempts. Request a new code.", "resource_exhausted", http.StatusTooManyRequests)
	case errors.Is(err, otp.ErrNoActiveCode):
		sendErrorResponse(w, "No active code. Request a new one.", "not_found", http.StatusNotFound)
	case errors.Is(err, otp.ErrCodeExpired):
		sendErrorResponse(w, "Code expired. Request a new one.", "deadline_exceeded", http.StatusRequestTimeout)
	case errors.Is(err, otp.ErrIncorrectCode):
		sendErrorResponse(w, "Incorrect code.", "permission_denied", http.StatusForbidden)
	default:
		app.lo.Error("internal error", "error", err)
		sendErrorResponse(w, "Internal error. Please try later.", "internal", http.StatusInternalServerError)
	}
}

func decodeReq(r *http.Request) (otpReq, error) {
	var req otpReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	return req, nil
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", "internal", http.StatusInternalServerError)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	out, _ := json.Marshal(httpResp{
		Status:  "error",
		Code:    code,
		Message: message,
	})
	w.Write(out)
}
