// twilio-sim stands in for Twilio during local runs. It accepts outbound
// WhatsApp sends and content templates from the worker, answers with signed
// status callbacks, and can post signed inbound messages to the API so a
// whole request-to-acceptance flow can be driven from curl.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"bidflow/internal/httpserver"
	"bidflow/internal/logging"
	"bidflow/internal/providers/twilio"
)

type config struct {
	AccountSID  string  `envconfig:"TWILIO_ACCOUNT_SID" default:"sim_sid"`
	AuthToken   string  `envconfig:"TWILIO_AUTH_TOKEN" default:"sim_token"`
	Port        string  `envconfig:"PORT" default:"8089"`
	LogFormat   string  `envconfig:"LOG_FORMAT" default:"text"`
	FailureRate float64 `envconfig:"SIM_FAILURE_RATE" default:"0"`
	// Where simulated user messages are delivered; must match the API's
	// PUBLIC_INBOUND_URL so signatures verify.
	InboundURL      string `envconfig:"SIM_INBOUND_URL" default:"http://localhost:8080/v1/webhooks/twilio/inbound"`
	CallbackDelayMs int    `envconfig:"SIM_CALLBACK_DELAY_MS" default:"300"`
	MaxRetries      int    `envconfig:"SIM_CALLBACK_MAX_RETRIES" default:"5"`
}

type sentMessage struct {
	Sid        string            `json:"sid"`
	To         string            `json:"to"`
	Body       string            `json:"body,omitempty"`
	ContentSid string            `json:"content_sid,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Status     string            `json:"status"`
	At         time.Time         `json:"at"`
}

type server struct {
	cfg    config
	seq    uint64
	client *http.Client

	mu     sync.Mutex
	rng    *rand.Rand
	outbox []sentMessage
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("twilio-sim config load failed", "err", err)
		os.Exit(1)
	}
	logging.Init("twilio-sim", cfg.LogFormat)

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.Use(httpserver.Logging)
	router.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/v1/Content", s.handleContent).Methods(http.MethodPost)
	router.HandleFunc("/sim/inbound", s.handleSimInbound).Methods(http.MethodPost)
	router.HandleFunc("/sim/outbox", s.handleOutbox).Methods(http.MethodGet)

	slog.Info("twilio-sim listening", "port", cfg.Port, "inbound_url", cfg.InboundURL)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("twilio-sim server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) checkBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == s.cfg.AccountSID && pass == s.cfg.AuthToken
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	to := r.Form.Get("To")
	if to == "" || (r.Form.Get("Body") == "" && r.Form.Get("ContentSid") == "") {
		writeError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}

	msg := sentMessage{
		Sid:        fmt.Sprintf("SM%032d", atomic.AddUint64(&s.seq, 1)),
		To:         strings.TrimPrefix(to, "whatsapp:"),
		Body:       r.Form.Get("Body"),
		ContentSid: r.Form.Get("ContentSid"),
		Status:     "queued",
		At:         time.Now().UTC(),
	}
	if raw := r.Form.Get("ContentVariables"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &msg.Variables)
	}

	final := "delivered"
	if s.fails() {
		final = "undelivered"
	}
	s.mu.Lock()
	s.outbox = append(s.outbox, msg)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"sid": msg.Sid, "status": msg.Status})

	if cb := r.Form.Get("StatusCallback"); cb != "" {
		go s.statusSequence(cb, msg.Sid, final)
	}
}

func (s *server) fails() bool {
	if s.cfg.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.FailureRate
}

func (s *server) statusSequence(callbackURL, sid, final string) {
	delay := time.Duration(s.cfg.CallbackDelayMs) * time.Millisecond
	for _, status := range []string{"sent", final} {
		time.Sleep(delay)
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		if status == "undelivered" {
			form.Set("ErrorCode", "63016")
		}
		if err := s.postSigned(context.Background(), callbackURL, form); err != nil {
			slog.Error("twilio-sim status callback failed", "sid", sid, "status", status, "err", err)
			return
		}
	}
}

// handleContent accepts any template definition and hands back a fresh SID.
func (s *server) handleContent(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	var body struct {
		FriendlyName string `json:"friendly_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid JSON")
		return
	}
	sid := fmt.Sprintf("HX%032d", atomic.AddUint64(&s.seq, 1))
	slog.Info("twilio-sim content created", "sid", sid, "name", body.FriendlyName)
	writeJSON(w, http.StatusCreated, map[string]string{"sid": sid})
}

type simInbound struct {
	From    string `json:"from"`
	Body    string `json:"body"`
	Payload string `json:"payload"`
}

// handleSimInbound plays a user typing into WhatsApp.
func (s *server) handleSimInbound(w http.ResponseWriter, r *http.Request) {
	var in simInbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.From == "" {
		writeError(w, http.StatusBadRequest, 21620, "from is required")
		return
	}
	form := url.Values{}
	form.Set("MessageSid", fmt.Sprintf("SM%032d", atomic.AddUint64(&s.seq, 1)))
	form.Set("From", "whatsapp:"+in.From)
	form.Set("Body", in.Body)
	if in.Payload != "" {
		form.Set("ButtonPayload", in.Payload)
	}
	if err := s.postSigned(r.Context(), s.cfg.InboundURL, form); err != nil {
		writeError(w, http.StatusBadGateway, 0, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_sid": form.Get("MessageSid")})
}

func (s *server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	s.mu.Lock()
	out := make([]sentMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		if to == "" || m.To == to {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *server) postSigned(ctx context.Context, target string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, target, form)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(twilio.Backoff(attempt))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		if !twilio.ShouldRetry(nil, resp.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "message": msg, "status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
