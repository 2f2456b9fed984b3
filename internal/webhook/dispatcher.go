// Package webhook delivers signed domain-event callbacks to subscribed apps
// and keeps the audit trail of every attempt.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"

	"github.com/volthub/volthub/internal/db"
	"github.com/volthub/volthub/internal/events"
	"github.com/volthub/volthub/internal/fault"
)

const (
	deliverTimeout  = 10 * time.Second
	responseMaxLen  = 500
	statsWindowRows = 100
	retentionWindow = 30 * 24 * time.Hour
)

// AppDirectory resolves an app's internal delivery address. Satisfied by the
// lifecycle manager.
type AppDirectory interface {
	InternalURL(app *db.App) (string, error)
}

// Dispatcher fans domain events out to subscribed apps. Delivery is
// at-most-once per dispatch: the domain event itself is never re-emitted,
// and retrying here without an idempotency key would risk duplicate side
// effects on the app side.
type Dispatcher struct {
	db         *gorm.DB
	apps       AppDirectory
	httpClient *http.Client
	timeout    time.Duration
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(gormDB *gorm.DB, apps AppDirectory) *Dispatcher {
	return &Dispatcher{
		db:         gormDB,
		apps:       apps,
		httpClient: &http.Client{},
		timeout:    deliverTimeout,
	}
}

// Subscribe attaches the dispatcher to the domain-event bus. Handlers run on
// NATS goroutines, so a failing delivery can never propagate back to the
// event producer.
func (d *Dispatcher) Subscribe(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe(events.SubjectWildcard, func(m *nats.Msg) {
		eventType := events.TypeFromSubject(m.Subject)
		d.Dispatch(context.Background(), eventType, json.RawMessage(m.Data))
	})
}

// Dispatch delivers an event to every enabled, running app subscribed to it.
// Deliveries run concurrently and independently; the call returns once all
// attempts complete, and no single app's failure affects any other's outcome
// or the return value. Returns the number of attempts made.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data any) int {
	var candidates []db.App
	err := d.db.
		Where("is_enabled = ? AND container_status = ?", true, db.ContainerStatusRunning).
		Find(&candidates).Error
	if err != nil {
		log.Printf("[ERROR] Listing webhook candidates for '%s': %v", eventType, err)
		return 0
	}

	var matched []db.App
	for _, app := range candidates {
		if app.WebhookEvents == "" {
			continue
		}
		var subscribed []string
		if err := json.Unmarshal([]byte(app.WebhookEvents), &subscribed); err != nil {
			// Fail closed: an app with an unparseable subscription list
			// receives nothing.
			log.Printf("[ERROR] Unparseable webhook events for app '%s', excluding: %v", app.Slug, err)
			continue
		}
		for _, s := range subscribed {
			if s == eventType {
				matched = append(matched, app)
				break
			}
		}
	}

	var wg sync.WaitGroup
	for i := range matched {
		wg.Add(1)
		go func(app db.App) {
			defer wg.Done()
			if err := d.Send(ctx, &app, eventType, data); err != nil {
				log.Printf("[ERROR] Webhook delivery to app '%s' failed: %v", app.Slug, err)
			}
		}(matched[i])
	}
	wg.Wait()
	return len(matched)
}

// Send signs and delivers one event to one app, and always records exactly
// one WebhookLog row for the attempt. The returned error is informational
// for the fan-out layer and must not travel further.
func (d *Dispatcher) Send(ctx context.Context, app *db.App, eventType string, data any) error {
	internalHost, err := d.apps.InternalURL(app)
	if err != nil {
		return err
	}
	path := app.WebhookPath
	if path == "" {
		path = "/webhook"
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data for app '%s': %w", app.Slug, err)
	}
	envelope := events.Envelope{
		Event:     eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      dataBytes,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshaling webhook body for app '%s': %w", app.Slug, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+internalHost+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request for app '%s': %w", app.Slug, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(envelope.Timestamp, 10))
	req.Header.Set("X-App-Id", app.AppID)
	if app.WebhookSecret != "" {
		// The signature covers the exact serialized bytes. Without a
		// configured secret the header is omitted entirely.
		req.Header.Set("X-Webhook-Signature", sign(body, app.WebhookSecret))
	}

	entry := db.WebhookLog{
		AppID:     app.ID,
		EventType: eventType,
		Payload:   string(body),
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	entry.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		msg := truncate(err.Error(), responseMaxLen)
		entry.Response = &msg
		d.writeLog(&entry)
		return fmt.Errorf("delivering '%s' to app '%s': %w", eventType, app.Slug, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	code := resp.StatusCode
	text := truncate(string(respBody), responseMaxLen)
	entry.StatusCode = &code
	entry.Response = &text
	entry.Success = code >= 200 && code < 300
	d.writeLog(&entry)

	if !entry.Success {
		return fault.Upstreamf("app '%s' responded %d to '%s'", app.Slug, code, eventType)
	}
	return nil
}

// writeLog persists one delivery attempt. A failure to log is itself
// swallowed; the audit trail never escalates into the delivery path.
func (d *Dispatcher) writeLog(entry *db.WebhookLog) {
	if err := d.db.Create(entry).Error; err != nil {
		log.Printf("[ERROR] Recording webhook log: %v", err)
	}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Stats summarizes the most recent delivery attempts for one app.
type Stats struct {
	Total        int        `json:"total"`
	Successful   int        `json:"successful"`
	Failed       int        `json:"failed"`
	AvgLatencyMs int64      `json:"avg_latency_ms"`
	LastWebhook  *time.Time `json:"last_webhook"`
}

// GetStats aggregates the most recent 100 log rows for the app.
func (d *Dispatcher) GetStats(appID uint) (Stats, error) {
	var rows []db.WebhookLog
	err := d.db.
		Where("app_id = ?", appID).
		Order("created_at DESC").
		Limit(statsWindowRows).
		Find(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("loading webhook logs: %w", err)
	}

	stats := Stats{Total: len(rows)}
	if len(rows) == 0 {
		return stats, nil
	}
	var latencySum int64
	for _, row := range rows {
		if row.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
		latencySum += row.LatencyMs
	}
	stats.AvgLatencyMs = int64(math.Round(float64(latencySum) / float64(len(rows))))
	last := rows[0].CreatedAt
	stats.LastWebhook = &last
	return stats, nil
}

// TestWebhook delivers a synthetic "test" event to one app, bypassing
// subscription filtering but using the normal sign-and-deliver path. It
// fails fast, without a delivery attempt, if the app is not running.
func (d *Dispatcher) TestWebhook(ctx context.Context, appID uint) error {
	var app db.App
	if err := d.db.First(&app, appID).Error; err != nil {
		return fault.NotFoundf("app %d", appID)
	}
	if app.ContainerStatus != db.ContainerStatusRunning {
		return fault.Validationf("app '%s' is not running", app.Slug)
	}
	return d.Send(ctx, &app, events.TypeTest, map[string]string{
		"message": "This is a test webhook from VoltHub",
	})
}

// CleanupOldLogs deletes webhook logs older than the 30-day retention
// window. Idempotent; returns the number of rows removed.
func (d *Dispatcher) CleanupOldLogs() (int64, error) {
	cutoff := time.Now().Add(-retentionWindow)
	result := d.db.Unscoped().Where("created_at < ?", cutoff).Delete(&db.WebhookLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting expired webhook logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
