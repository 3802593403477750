package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"
)

type fakeMeterClient struct {
	params []*stripe.BillingMeterEventParams
	err    error
}

func (f *fakeMeterClient) New(params *stripe.BillingMeterEventParams) (*stripe.BillingMeterEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, params)
	return &stripe.BillingMeterEvent{}, nil
}

func newTestReporter(client meterEventCreator) *Reporter {
	return &Reporter{
		client:    client,
		eventName: defaultEventName,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestReportSubmitsMeterEvent(t *testing.T) {
	t.Parallel()

	client := &fakeMeterClient{}
	reporter := newTestReporter(client)

	start := time.Now().Add(-90500 * time.Millisecond)
	err := reporter.Report(context.Background(), SessionUsage{
		CustomerID: "cus_123",
		StartedAt:  start,
		EndedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if len(client.params) != 1 {
		t.Fatalf("events=%d, want 1", len(client.params))
	}
	params := client.params[0]
	if got := stripe.StringValue(params.EventName); got != defaultEventName {
		t.Fatalf("event name=%q", got)
	}
	if params.Payload["stripe_customer_id"] != "cus_123" {
		t.Fatalf("payload=%v", params.Payload)
	}
	if params.Payload["value"] != "91" {
		t.Fatalf("value=%q, want 91 (rounded up)", params.Payload["value"])
	}
	if stripe.StringValue(params.Identifier) == "" {
		t.Fatalf("missing idempotency identifier")
	}
}

func TestReportZeroDurationIsNoOp(t *testing.T) {
	t.Parallel()

	client := &fakeMeterClient{}
	reporter := newTestReporter(client)

	now := time.Now()
	err := reporter.Report(context.Background(), SessionUsage{
		CustomerID: "cus_123",
		StartedAt:  now,
		EndedAt:    now,
	})
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if len(client.params) != 0 {
		t.Fatalf("events=%d, want 0", len(client.params))
	}
}

func TestReportValidation(t *testing.T) {
	t.Parallel()

	reporter := newTestReporter(&fakeMeterClient{})
	if err := reporter.Report(context.Background(), SessionUsage{}); err == nil {
		t.Fatalf("expected error for empty customer ID")
	}
}

func TestReportWrapsClientError(t *testing.T) {
	t.Parallel()

	reporter := newTestReporter(&fakeMeterClient{err: fmt.Errorf("stripe down")})
	err := reporter.Report(context.Background(), SessionUsage{
		CustomerID: "cus_123",
		StartedAt:  time.Now().Add(-time.Minute),
		EndedAt:    time.Now(),
	})
	if err == nil {
		t.Fatalf("expected error from client failure")
	}
}

func TestBillableSeconds(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  int64
	}{
		{name: "whole seconds", start: now, end: now.Add(10 * time.Second), want: 10},
		{name: "rounds up", start: now, end: now.Add(10100 * time.Millisecond), want: 11},
		{name: "zero interval", start: now, end: now, want: 0},
		{name: "inverted interval", start: now, end: now.Add(-time.Second), want: 0},
		{name: "zero start", end: now, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := billableSeconds(tc.start, tc.end); got != tc.want {
				t.Fatalf("seconds=%d, want %d", got, tc.want)
			}
		})
	}
}
