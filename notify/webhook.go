/*
webhook.go - Signed webhook notifier

PURPOSE:
  Delivers lifecycle notifications to an automation webhook (n8n flow that
  renders the email and WhatsApp message). The engine only enqueues; workers
  POST in the background, throttled so the WhatsApp gateway is not flooded.

DELIVERY:
  - JSON body (Payload), Content-Type application/json
  - X-Incap-Event: notification kind
  - X-Incap-Delivery: unique delivery id
  - X-Signature: sha256=<hex hmac of body> when a secret is configured
  - 2xx is delivered; 408/504 are treated as delivered (the flow is slow
    but already running); anything else is logged as failed

BACKPRESSURE:
  Notify never blocks. A full queue or a closed notifier returns
  Accepted=false, which the engine turns into a warning.

SEE ALSO:
  - lifecycle/collaborators.go: Notifier contract
  - log.go: notifier used when no webhook is configured
*/
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/lifecycle"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notifier closed")
)

// =============================================================================
// PAYLOAD
// =============================================================================

// Payload is the webhook body. Content rendering is the receiver's job.
type Payload struct {
	TipoNotificacion    string    `json:"tipo_notificacion"`
	Serial              string    `json:"serial"`
	Cedula              string    `json:"cedula"`
	Nombre              string    `json:"nombre,omitempty"`
	Empresa             string    `json:"empresa,omitempty"`
	Email               string    `json:"email"`
	CCEmail             string    `json:"cc_email"`
	Whatsapp            string    `json:"whatsapp"`
	Tipo                string    `json:"tipo,omitempty"`
	Estado              string    `json:"estado"`
	FechaInicio         string    `json:"fecha_inicio"`
	FechaFin            string    `json:"fecha_fin"`
	BloqueaNueva        bool      `json:"bloquea_nueva"`
	TotalReenvios       int       `json:"total_reenvios"`
	DocumentosFaltantes []string  `json:"documentos_faltantes,omitempty"`
	Motivo              string    `json:"motivo,omitempty"`
	DriveLink           string    `json:"drive_link,omitempty"`
	EnviadoEn           time.Time `json:"enviado_en"`
}

// BuildPayload flattens a notification. The form email is the recipient;
// the roster email and the supervisor's email are copied when different.
func BuildPayload(msg lifecycle.Notification, now time.Time) Payload {
	c := msg.Case
	p := Payload{
		TipoNotificacion:    string(msg.Kind),
		Serial:              c.Serial,
		Cedula:              c.Cedula,
		Email:               strings.TrimSpace(c.EmailForm),
		Whatsapp:            strings.TrimSpace(c.TelefonoForm),
		Tipo:                c.Tipo,
		Estado:              string(c.Estado),
		FechaInicio:         c.FechaInicio.String(),
		FechaFin:            c.FechaFin.String(),
		BloqueaNueva:        c.BloqueaNueva,
		TotalReenvios:       c.Metadata.TotalReenvios,
		DocumentosFaltantes: msg.Checklist.Missing(),
		Motivo:              msg.Reason,
		DriveLink:           c.DriveLink,
		EnviadoEn:           now.UTC(),
	}
	if msg.Kind == lifecycle.NotifyBlocked || msg.Kind == lifecycle.NotifyReminder {
		if p.Motivo == "" {
			p.Motivo = lifecycle.BlockReason(&c)
		}
	}

	var cc []string
	addCC := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" || strings.EqualFold(addr, p.Email) {
			return
		}
		for _, existing := range cc {
			if strings.EqualFold(existing, addr) {
				return
			}
		}
		cc = append(cc, addr)
	}

	if emp := msg.Employee; emp != nil {
		p.Nombre = emp.Nombre
		p.Empresa = emp.Empresa
		if p.Email == "" {
			p.Email = strings.TrimSpace(emp.Correo)
		}
		if p.Whatsapp == "" {
			p.Whatsapp = strings.TrimSpace(emp.Telefono)
		}
		addCC(emp.Correo)
		if msg.Kind == lifecycle.NotifyReminder {
			addCC(emp.JefeEmail)
		}
	}
	p.CCEmail = strings.Join(cc, ",")
	return p
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

type WebhookConfig struct {
	URL           string
	Secret        string
	Workers       int
	QueueSize     int
	RatePerMinute int // <= 0 disables throttling
	Timeout       time.Duration
}

type delivery struct {
	id     string
	kind   lifecycle.NotificationKind
	serial string
	body   []byte
}

type WebhookNotifier struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan delivery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ lifecycle.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier starts the workers. Call Close to drain them.
func NewWebhookNotifier(cfg WebhookConfig, log logrus.FieldLogger) *WebhookNotifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.WithField("component", "webhook_notifier"),
		now:     time.Now,
		queue:   make(chan delivery, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues the notification without blocking.
func (n *WebhookNotifier) Notify(_ context.Context, msg lifecycle.Notification) lifecycle.DispatchResult {
	body, err := json.Marshal(BuildPayload(msg, n.now()))
	if err != nil {
		return lifecycle.DispatchResult{Err: fmt.Errorf("failed to encode payload: %w", err)}
	}
	d := delivery{id: uuid.NewString(), kind: msg.Kind, serial: msg.Case.Serial, body: body}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return lifecycle.DispatchResult{Err: ErrClosed}
	}
	select {
	case n.queue <- d:
		return lifecycle.DispatchResult{Accepted: true}
	default:
		return lifecycle.DispatchResult{Err: ErrQueueFull}
	}
}

// Close stops accepting work and waits for queued deliveries until ctx is
// done; whatever is left is abandoned.
func (n *WebhookNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()
	for d := range n.queue {
		if err := n.limiter.Wait(n.ctx); err != nil {
			n.log.WithFields(logrus.Fields{"serial": d.serial, "kind": d.kind}).Warn("notification dropped on shutdown")
			continue
		}
		if err := n.send(n.ctx, d); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{"serial": d.serial, "kind": d.kind, "delivery": d.id}).Error("webhook delivery failed")
			continue
		}
		n.log.WithFields(logrus.Fields{"serial": d.serial, "kind": d.kind, "delivery": d.id}).Debug("webhook delivered")
	}
}

func (n *WebhookNotifier) send(ctx context.Context, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "incapacidades-webhook")
	req.Header.Set("X-Incap-Event", string(d.kind))
	req.Header.Set("X-Incap-Delivery", d.id)
	if n.cfg.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(n.cfg.Secret, d.body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		n.log.WithFields(logrus.Fields{"serial": d.serial, "status": resp.StatusCode}).Warn("webhook slow, assuming delivered")
		return nil
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
