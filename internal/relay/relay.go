// Package relay orchestrates the delivery pipeline: tenant resolution,
// payload normalization, dispatch with retry, and the delivery ledger.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"telehook/internal/ledger"
	"telehook/internal/message"
	"telehook/internal/server"
	"telehook/internal/telegram"
	"telehook/internal/tenant"
)

// maxBodyBytes bounds the inbound request body.
const maxBodyBytes = 128 << 10

// previewRunes bounds the message preview stored in the ledger.
const previewRunes = 120

// healthWindow is the lookback for the recentDeliveries health figure.
const healthWindow = time.Hour

// Sender dispatches a normalized message downstream. Implemented by
// *telegram.Client.
type Sender interface {
	Send(ctx context.Context, msg *message.Message) error
}

// Controller handles the HTTP surface and owns the process-scoped ledger.
type Controller struct {
	registry   *tenant.Registry
	normalizer *message.Normalizer
	sender     Sender
	ledger     *ledger.Ledger
	log        *slog.Logger
	started    time.Time
}

func New(registry *tenant.Registry, normalizer *message.Normalizer, sender Sender, led *ledger.Ledger, log *slog.Logger) *Controller {
	return &Controller{
		registry:   registry,
		normalizer: normalizer,
		sender:     sender,
		ledger:     led,
		log:        log,
		started:    time.Now(),
	}
}

// Mount registers the relay routes on the router.
func (c *Controller) Mount(r chi.Router) {
	r.Get("/", c.handleIndex)
	r.Get("/health", c.handleHealth)
	r.Post("/webhook", c.handleWebhook)
	r.Post("/webhook/{key}", c.handleWebhook)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
	})
}

func (c *Controller) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "telehook: webhook to Telegram relay",
		"docs":    "POST /webhook (or /webhook/<key>) with a JSON body containing a message field",
	})
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"uptimeSeconds":    int(time.Since(c.started).Seconds()),
		"recentDeliveries": c.ledger.RecentCount(healthWindow, time.Now()),
	})
}

func (c *Controller) handleWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now()
	ctx := r.Context()

	// Authenticating: path segment wins over the query parameter.
	key := chi.URLParam(r, "key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	res := c.registry.Resolve(key)
	if !res.Authorized {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or missing API key"})
		return
	}
	server.AddLogField(ctx, "tenant", res.Key)

	// Validating: no ledger entry and no dispatch on any failure here.
	payload, err := readPayload(w, r)
	if err != nil {
		server.AddError(ctx, err)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
		return
	}
	msg, err := c.normalizer.Normalize(payload)
	if err != nil {
		server.AddError(ctx, err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if res.Destination == "" {
		// Authenticated, but neither the key nor the process carries a
		// destination: a deployment problem, not a caller problem.
		server.AddError(ctx, errMisconfigured)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": errMisconfigured.Error()})
		return
	}
	msg.Destination = res.Destination

	// Dispatching: once begun, a dropped inbound connection must not abort
	// the retry sequence.
	deliveryID := uuid.New().String()
	server.AddLogField(ctx, "delivery_id", deliveryID)
	err = c.sender.Send(context.WithoutCancel(ctx), msg)

	entry := ledger.Entry{
		ID:          deliveryID,
		Destination: res.Destination,
		Key:         res.Key,
		Preview:     preview(msg.Text),
		Timestamp:   receivedAt,
		Status:      ledger.StatusDelivered,
	}
	if err != nil {
		entry.Status = ledger.StatusFailed
		entry.Error = err.Error()
	}
	c.ledger.Record(entry)

	if err != nil {
		server.AddError(ctx, err)
		detail := err.Error()
		var ue *telegram.UpstreamError
		if errors.As(err, &ue) {
			detail = ue.Detail
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "delivery failed",
			"details": detail,
		})
		return
	}

	c.log.InfoContext(ctx, "delivered",
		slog.String("delivery_id", deliveryID),
		slog.String("tenant", res.Key),
		slog.String("destination", res.Destination),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deliveryId": deliveryID})
}

var (
	errContentType   = errors.New("content type must be application/json")
	errBodyTooLarge  = errors.New("request body exceeds 128 KiB")
	errEmptyBody     = errors.New("request body is empty")
	errBadJSON       = errors.New("request body is not valid JSON")
	errMisconfigured = errors.New("no destination chat configured for this key")
)

// statusFor maps validation errors to their response codes. Auth and
// upstream errors are handled at their call sites.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// readPayload enforces content type and size, then decodes the body into a
// loosely-typed map. UseNumber keeps numeric literals intact for the
// normalizer's extras block.
func readPayload(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return nil, errContentType
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || dec.More() {
		return nil, errBadJSON
	}
	return payload, nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > previewRunes {
		return string(runes[:previewRunes])
	}
	return text
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
