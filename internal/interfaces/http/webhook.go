package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/interfaces/scheduler"
)

const stripeTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

// WebhookSecrets holds the per-provider signing keys. A provider with an
// empty secret is accepted unsigned.
type WebhookSecrets struct {
	QuickBooks string
	Xero       string
	Stripe     string
}

type WebhookHandler struct {
	processor scheduler.WebhookHandler
	queue     JobQueue
	secrets   WebhookSecrets
	now       func() time.Time
	logger    logrus.FieldLogger
}

func NewWebhookHandler(processor scheduler.WebhookHandler, queue JobQueue, secrets WebhookSecrets, logger logrus.FieldLogger) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		queue:     queue,
		secrets:   secrets,
		now:       time.Now,
		logger:    logger,
	}
}

// HandleWebhook handles POST /webhooks/{source}. The payload is verified,
// queued for processing and acknowledged with 202 so providers never wait
// on a sync.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	source, err := connection.ParseSource(r.PathValue("source"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	log := h.logger.WithField("source", source)
	if err := h.verify(source, r.Header, body); err != nil {
		log.WithError(err).Warn("Rejected webhook")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	eventType := WebhookEventType(source, body)
	if err := h.queue.Enqueue(scheduler.NewWebhookJob(h.processor, source, eventType, body)); err != nil {
		log.WithError(err).Error("Failed to queue webhook")
		// Providers retry on 5xx.
		writeError(w, http.StatusServiceUnavailable, "Webhook queue unavailable")
		return
	}

	log.WithField("event_type", eventType).Debug("Webhook queued")
	writeJSON(w, http.StatusAccepted, QueuedResponse{Status: "queued"})
}

func (h *WebhookHandler) verify(source connection.Source, header http.Header, body []byte) error {
	switch source {
	case connection.SourceQuickBooks:
		return verifyBase64HMAC(h.secrets.QuickBooks, header.Get("intuit-signature"), body)
	case connection.SourceXero:
		return verifyBase64HMAC(h.secrets.Xero, header.Get("x-xero-signature"), body)
	case connection.SourceStripe:
		return verifyStripe(h.secrets.Stripe, header.Get("Stripe-Signature"), body, h.now())
	}
	// Plaid webhooks are correlated by item id only.
	return nil
}

func verifyBase64HMAC(secret, signature string, body []byte) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, sign(secret, body)) {
		return ErrBadSignature
	}
	return nil
}

// verifyStripe checks a "t=<unix>,v1=<hex>" header over "<t>.<body>".
func verifyStripe(secret, header string, body []byte, now time.Time) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if age := now.Sub(time.Unix(unix, 0)); age > stripeTolerance || age < -stripeTolerance {
		return ErrBadSignature
	}

	expected := sign(secret, append([]byte(timestamp+"."), body...))
	for _, s := range signatures {
		got, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrBadSignature
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// WebhookEventType pulls the provider's event name out of a payload. Unknown
// shapes yield a generic type; correlation does not depend on it.
func WebhookEventType(source connection.Source, body []byte) string {
	var probe struct {
		WebhookCode string `json:"webhook_code"`
		Type        string `json:"type"`
		Events      []struct {
			EventType string `json:"eventType"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "unknown"
	}

	switch source {
	case connection.SourcePlaid:
		if probe.WebhookCode != "" {
			return probe.WebhookCode
		}
	case connection.SourceStripe:
		if probe.Type != "" {
			return probe.Type
		}
	case connection.SourceXero:
		if len(probe.Events) > 0 && probe.Events[0].EventType != "" {
			return probe.Events[0].EventType
		}
	case connection.SourceQuickBooks:
		return "dataChangeEvent"
	}
	return "unknown"
}
