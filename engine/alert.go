package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, severity Severity, subject, body string) error
}

// AlertMessage is the wire form published to subscribers.
type AlertMessage struct {
	Severity Severity  `json:"severity"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
}

// RedisAlertBackend publishes alerts to a Redis channel that dashboards and
// pagers subscribe to.
type RedisAlertBackend struct {
	client  *redis.Client
	channel string
}

func NewRedisAlertBackend(client *redis.Client, channel string) *RedisAlertBackend {
	return &RedisAlertBackend{client: client, channel: channel}
}

func (b *RedisAlertBackend) Notify(ctx context.Context, severity Severity, subject, body string) error {
	payload, err := json.Marshal(AlertMessage{
		Severity: severity,
		Subject:  subject,
		Body:     body,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// LogAlerter writes alerts to the application log. Used when no delivery
// backend is configured.
type LogAlerter struct {
	log *zap.Logger
}

func NewLogAlerter(log *zap.Logger) *LogAlerter {
	return &LogAlerter{log: log.Named("alert")}
}

func (a *LogAlerter) Notify(_ context.Context, severity Severity, subject, body string) error {
	a.log.Warn("alert", zap.String("severity", string(severity)),
		zap.String("subject", subject), zap.String("body", body))
	return nil
}

// RateLimitedAlerter suppresses repeats of the same subject so a flapping
// condition pages once, not once per cycle. Critical alerts always go
// through.
type RateLimitedAlerter struct {
	next     Alerter
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimitedAlerter(next Alerter, interval time.Duration) *RateLimitedAlerter {
	return &RateLimitedAlerter{
		next:     next,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (a *RateLimitedAlerter) Notify(ctx context.Context, severity Severity, subject, body string) error {
	if severity != SeverityCritical && !a.allow(subject) {
		return nil
	}
	return a.next.Notify(ctx, severity, subject, body)
}

func (a *RateLimitedAlerter) allow(subject string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.limiters[subject]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(a.interval), 1)
		a.limiters[subject] = limiter
	}
	return limiter.Allow()
}
