package main

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/zerodha/logf"

	"github.com/crewvar/crewauth/internal/models"
	"github.com/crewvar/crewauth/internal/otp"
	"github.com/crewvar/crewauth/internal/store/redis"
)

const dummyEmail = "crew@example.com"

// dummyIdentity provisions deterministic accounts and tokens.
type dummyIdentity struct{}

func (d *dummyIdentity) EnsureUser(_ context.Context, email string) (models.AuthUser, error) {
	return models.AuthUser{UID: "uid-" + email, Email: email, EmailVerified: true}, nil
}

func (d *dummyIdentity) EnsureProfile(_ context.Context, user models.AuthUser) (models.Profile, error) {
	return models.Profile{ID: user.UID, Email: user.Email, IsActive: true}, nil
}

func (d *dummyIdentity) CustomToken(uid string) (string, error) {
	return "token-" + uid, nil
}

// dummyMailer records the last pushed body, which the test template
// renders as the bare code.
type dummyMailer struct {
	lastBody string
}

func (d *dummyMailer) ID() string { return "dummy" }

func (d *dummyMailer) Push(to, subject string, body []byte) error {
	d.lastBody = string(body)
	return nil
}

var (
	srv    *httptest.Server
	rdis   *miniredis.Miniredis
	mailed = &dummyMailer{}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	var (
		lo = logf.New(logf.Opts{})
		st = redis.New(redis.Conf{
			Host: rd.Host(),
			Port: port,
		})
	)

	app := &App{
		store: st,
		lo:    lo,
		otp: otp.New(st, &dummyIdentity{}, mailed, otp.Opt{
			TTL:            5 * time.Minute,
			MaxAttempts:    5,
			ResendCooldown: time.Minute,
			Body:           template.Must(template.New("b").Parse("{{ .Code }}")),
			Subject:        template.Must(template.New("s").Parse("Your login code")),
		}, lo),
		constants: constants{
			OtpTTL:         5 * time.Minute,
			OtpMaxAttempts: 5,
			ResendCooldown: time.Minute,
		},
	}

	rl := newIPRateLimiter(1000, 1000)
	r := chi.NewRouter()
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/request", rateLimit(rl, wrap(app, handleRequestOTP)))
	r.Post("/api/otp/verify", rateLimit(rl, wrap(app, handleVerifyOTP)))
	srv = httptest.NewServer(r)
}

func TestHealthCheck(t *testing.T) {
	var out httpResp
	r := testRequest(t, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
}

func TestRequestOTP(t *testing.T) {
	rdis.FlushDB()
	var out httpResp

	// Bad e-mail shapes.
	for _, email := range []string{"", "nope", "a@b"} {
		r := testRequest(t, http.MethodPost, "/api/otp/request", otpReq{Email: email}, &out)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 for email %q", email)
		assert.Equal(t, "invalid_argument", out.Code)
	}

	// Good request.
	r := testRequest(t, http.MethodPost, "/api/otp/request", otpReq{Email: dummyEmail}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.Len(t, mailed.lastBody, 6, "no code was dispatched")

	// Immediate retry hits the cooldown.
	r = testRequest(t, http.MethodPost, "/api/otp/request", otpReq{Email: dummyEmail}, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "cooldown not enforced")
	assert.Equal(t, "resource_exhausted", out.Code)
}

func TestVerifyOTP(t *testing.T) {
	rdis.FlushDB()
	var out httpResp

	// Nothing outstanding.
	r := testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: "123456"}, &out)
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "non 404 without an active code")
	assert.Equal(t, "not_found", out.Code)

	r = testRequest(t, http.MethodPost, "/api/otp/request", otpReq{Email: dummyEmail}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "request failed")
	code := mailed.lastBody

	// Malformed code.
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: "12x"}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 for malformed code")

	// Wrong code.
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: wrong}, &out)
	assert.Equal(t, http.StatusForbidden, r.StatusCode, "non 403 for wrong code")
	assert.Equal(t, "permission_denied", out.Code)

	// Correct code returns the sign-in credential.
	data := &verifyResp{}
	out = httpResp{Data: data}
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: code}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "verification failed")
	assert.True(t, data.Success)
	assert.Equal(t, "token-uid-"+dummyEmail, data.Token)

	// The code is single use.
	out = httpResp{}
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: code}, &out)
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "replayed a consumed code")
}

func TestVerifyOTPAttempts(t *testing.T) {
	rdis.FlushDB()
	var out httpResp

	r := testRequest(t, http.MethodPost, "/api/otp/request", otpReq{Email: dummyEmail}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "request failed")
	code := mailed.lastBody

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Five wrong submissions each report an incorrect code.
	for i := 0; i < 5; i++ {
		r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: wrong}, &out)
		assert.Equal(t, http.StatusForbidden, r.StatusCode, "attempt %d", i+1)
	}

	// The budget is spent. Even the correct code is rejected now.
	r = testRequest(t, http.MethodPost, "/api/otp/verify", otpReq{Email: dummyEmail, Code: code}, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "attempt cap not enforced")
	assert.Equal(t, "resource_exhausted", out.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	var (
		rl      = newIPRateLimiter(1, 2)
		handler = rateLimit(rl, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/otp/request", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2], "burst not exhausted")

	// A different client IP has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/otp/request", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func testRequest(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	req.Header.Add("Content-Type", "application/json")

	// HTTP client.
	c := &http.Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	defer resp.Body.Close()

	if err := json.Unmarshal(respBody, out); err != nil {
		t.Fatal(err)
	}

	return resp
}
