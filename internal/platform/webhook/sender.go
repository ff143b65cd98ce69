// Package webhook posts signed change notifications to statically
// configured HTTP endpoints. Each committed write becomes one JSON payload
// per endpoint, signed with HMAC-SHA256 so receivers can authenticate the
// origin without a shared transport secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/notify"
)

// Config carries the static delivery settings. An empty URL list disables
// the sender entirely.
type Config struct {
	// URLs are the destinations every matching event is POSTed to.
	URLs []string
	// Secret signs each payload. Receivers verify with the same value.
	Secret string
	// Events filters deliveries by pattern: "Patient.create", "Patient.*",
	// "*.delete" or "*". Empty means deliver everything.
	Events []string
}

// Sender queues change events and delivers them from a single background
// worker. It implements notify.Notifier: enqueueing never blocks the write
// path, and a full queue drops the event with a warning rather than stall.
type Sender struct {
	cfg         Config
	client      *http.Client
	queue       chan notify.Event
	done        chan struct{}
	retryDelays []time.Duration
	log         zerolog.Logger
}

// NewSender starts the delivery worker. Callers that need a clean drain on
// shutdown should call Close; events notified after Close panic.
func NewSender(cfg Config, log zerolog.Logger) *Sender {
	s := &Sender{
		cfg:         cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan notify.Event, 256),
		done:        make(chan struct{}),
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 25 * time.Second},
		log:         log.With().Str("component", "webhook").Logger(),
	}
	go s.run()
	return s
}

// Notify enqueues the event for asynchronous delivery.
func (s *Sender) Notify(_ context.Context, ev notify.Event) {
	select {
	case s.queue <- ev:
	default:
		s.log.Warn().Str("topic", ev.Topic()).Msg("delivery queue full, event dropped")
	}
}

// Close drains the queue and stops the worker.
func (s *Sender) Close() {
	close(s.queue)
	<-s.done
}

func (s *Sender) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.deliver(ev)
	}
}

func (s *Sender) deliver(ev notify.Event) {
	eventType := ev.ResourceType + "." + ev.Operation
	if !s.subscribed(eventType) {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("topic", ev.Topic()).Msg("event not serializable")
		return
	}
	signature := Sign(payload, s.cfg.Secret)

	for _, url := range s.cfg.URLs {
		if err := s.post(url, eventType, payload, signature); err != nil {
			s.log.Warn().Err(err).Str("url", url).Str("event", eventType).
				Msg("delivery abandoned")
		}
	}
}

// post attempts delivery to one endpoint, retrying transient failures with
// increasing delays. It returns the last error once the retry budget is
// spent.
func (s *Sender) post(url, eventType string, payload []byte, signature string) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = s.attempt(url, eventType, payload, signature)
		if lastErr == nil {
			return nil
		}
		if attempt >= len(s.retryDelays) {
			return lastErr
		}
		time.Sleep(s.retryDelays[attempt])
	}
}

func (s *Sender) attempt(url, eventType string, payload []byte, signature string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) subscribed(eventType string) bool {
	if len(s.cfg.Events) == 0 {
		return true
	}
	for _, pattern := range s.cfg.Events {
		if eventMatches(pattern, eventType) {
			return true
		}
	}
	return false
}

// eventMatches checks an event type like "Patient.create" against a
// subscription pattern. Either segment may be wildcarded: "Patient.*",
// "*.create", or "*" for everything.
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(eventType, "."+rest)
	}
	if rest, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, rest+".")
	}
	return false
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature, with or without the "sha256=" prefix,
// against the payload. Comparison is constant time.
func Verify(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
