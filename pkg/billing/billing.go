// Package billing reports realtime session usage as Stripe meter events
// so disconnected sessions stop accruing charges the moment teardown
// completes.
package billing

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/billing/meterevent"

	"github.com/vango-go/parley/pkg/core"
)

const defaultEventName = "realtime_session_seconds"

// meterEventCreator is the slice of the Stripe client the reporter uses.
type meterEventCreator interface {
	New(params *stripe.BillingMeterEventParams) (*stripe.BillingMeterEvent, error)
}

// Config configures a Reporter.
type Config struct {
	APIKey string

	// EventName is the Stripe meter event name. Defaults to
	// realtime_session_seconds.
	EventName string

	Logger *slog.Logger
}

// Reporter submits session usage to Stripe.
type Reporter struct {
	client    meterEventCreator
	eventName string
	logger    *slog.Logger
}

// New constructs a Reporter.
func New(cfg Config) (*Reporter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestError("Stripe API key must not be empty")
	}
	if cfg.EventName == "" {
		cfg.EventName = defaultEventName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reporter{
		client:    &meterevent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.APIKey},
		eventName: cfg.EventName,
		logger:    cfg.Logger,
	}, nil
}

// SessionUsage is one completed session's billable interval.
type SessionUsage struct {
	CustomerID string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Report submits one meter event for the session. The identifier makes
// retries idempotent on the Stripe side.
func (r *Reporter) Report(ctx context.Context, usage SessionUsage) error {
	if strings.TrimSpace(usage.CustomerID) == "" {
		return core.NewInvalidRequestError("customer ID must not be empty")
	}
	seconds := billableSeconds(usage.StartedAt, usage.EndedAt)
	if seconds == 0 {
		return nil
	}

	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(r.eventName),
		Identifier: stripe.String("parley-" + uuid.NewString()),
		Timestamp:  stripe.Int64(usage.EndedAt.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": usage.CustomerID,
			"value":              strconv.FormatInt(seconds, 10),
		},
	}
	params.Context = ctx

	if _, err := r.client.New(params); err != nil {
		return core.NewAPIError("report session usage: " + err.Error())
	}
	r.logger.Info("session usage reported",
		"customer", usage.CustomerID,
		"seconds", seconds,
	)
	return nil
}

// billableSeconds rounds the session interval up to whole seconds.
// Inverted or zero intervals bill nothing.
func billableSeconds(start, end time.Time) int64 {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return 0
	}
	return int64(math.Ceil(end.Sub(start).Seconds()))
}
