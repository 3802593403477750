// Command parley is a terminal voice conversation client. It mints an
// ephemeral credential from the gateway, opens a realtime session over
// websocket or WebRTC, streams microphone audio up, and prints the
// reconciled transcript as the conversation unfolds. Ctrl-C tears the
// session down and prints the disconnection verification report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vango-go/parley/internal/dotenv"
	"github.com/vango-go/parley/pkg/billing"
	"github.com/vango-go/parley/pkg/media"
	"github.com/vango-go/parley/pkg/realtime"
	"github.com/vango-go/parley/pkg/store/account"
	"github.com/vango-go/parley/pkg/store/conversation"
)

const (
	micSampleRate = 24000
	micChannels   = 1
	// 20ms of s16le mono audio at 24kHz.
	micFrameBytes = micSampleRate * 2 * 20 / 1000

	disconnectTimeout = 5 * time.Second
)

type options struct {
	gateway   string
	transport string
	model     string
	voice     string

	micFormat string
	micDevice string
	record    string
	noAudio   bool

	email    string
	password string

	customerID string

	debug bool
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	fs.StringVar(&opts.gateway, "gateway", envOr("PARLEY_GATEWAY_URL", "http://localhost:8080"), "credential broker base URL")
	fs.StringVar(&opts.transport, "transport", "websocket", "realtime transport: websocket or webrtc")
	fs.StringVar(&opts.model, "model", "", "realtime model override (default: gateway's configured model)")
	fs.StringVar(&opts.voice, "voice", "", "agent voice override")
	fs.StringVar(&opts.micFormat, "mic-format", "pulse", "ffmpeg input format for the microphone")
	fs.StringVar(&opts.micDevice, "mic-device", "default", "microphone device name")
	fs.StringVar(&opts.record, "record", "", "record the conversation audio to this file (.ogg gives opus)")
	fs.BoolVar(&opts.noAudio, "no-audio", false, "skip microphone capture (transcript-only session)")
	fs.StringVar(&opts.email, "email", "", "sign in with this account before connecting")
	fs.StringVar(&opts.password, "password", envOr("PARLEY_PASSWORD", ""), "password for -email (or PARLEY_PASSWORD)")
	fs.StringVar(&opts.customerID, "customer", envOr("PARLEY_STRIPE_CUSTOMER", ""), "Stripe customer to bill session seconds to")
	fs.BoolVar(&opts.debug, "debug", false, "print manager debug records")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	switch opts.transport {
	case "websocket", "webrtc":
	default:
		return options{}, fmt.Errorf("unknown transport %q", opts.transport)
	}
	return opts, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// mintedSecret mirrors the gateway's client-secret response.
type mintedSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
	Model     string `json:"model"`
}

func fetchClientSecret(ctx context.Context, client *http.Client, opts options) (mintedSecret, error) {
	body, err := json.Marshal(map[string]string{"model": opts.model, "voice": opts.voice})
	if err != nil {
		return mintedSecret{}, err
	}
	endpoint := strings.TrimRight(opts.gateway, "/") + "/v1/realtime/client-secret"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return mintedSecret{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return mintedSecret{}, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return mintedSecret{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return mintedSecret{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var secret mintedSecret
	if err := json.Unmarshal(payload, &secret); err != nil {
		return mintedSecret{}, fmt.Errorf("decode client secret: %w", err)
	}
	if secret.Value == "" {
		return mintedSecret{}, errors.New("gateway response missing secret value")
	}
	return secret, nil
}

func newTransportFactory(opts options, model string) func() realtime.Transport {
	base := envOr("PARLEY_REALTIME_BASE_URL", "https://api.openai.com")
	if opts.transport == "webrtc" {
		return func() realtime.Transport {
			return realtime.NewWebRTCTransport(realtime.WebRTCTransportConfig{
				SignalURL: strings.TrimRight(base, "/") + "/v1/realtime/calls?model=" + url.QueryEscape(model),
			})
		}
	}
	return func() realtime.Transport {
		return realtime.NewWebSocketTransport(realtime.WebSocketTransportConfig{
			URL: strings.TrimRight(base, "/") + "/v1/realtime?model=" + url.QueryEscape(model),
		})
	}
}

// signIn authenticates against WorkOS using the gateway's auth discovery
// document for the client ID.
func signIn(ctx context.Context, logger *slog.Logger, opts options) (*account.Store, error) {
	apiKey := os.Getenv("PARLEY_WORKOS_API_KEY")
	if apiKey == "" {
		return nil, errors.New("-email requires PARLEY_WORKOS_API_KEY")
	}

	resp, err := http.Get(strings.TrimRight(opts.gateway, "/") + "/v1/auth-config")
	if err != nil {
		return nil, fmt.Errorf("fetch auth config: %w", err)
	}
	defer resp.Body.Close()
	var authCfg struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authCfg); err != nil || authCfg.ClientID == "" {
		return nil, errors.New("gateway has no auth configured")
	}

	accounts, err := account.New(account.Config{
		APIKey:   apiKey,
		ClientID: authCfg.ClientID,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if _, err := accounts.SignIn(ctx, opts.email, opts.password); err != nil {
		return nil, err
	}
	return accounts, nil
}

type transcriptTurn struct {
	role realtime.Role
	text string
	at   time.Time
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var accounts *account.Store
	if opts.email != "" {
		var err error
		accounts, err = signIn(ctx, logger, opts)
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		defer func() {
			signOutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := accounts.SignOut(signOutCtx); err != nil {
				logger.Warn("sign out failed", "error", err)
			}
			accounts.Close()
		}()
	}

	secret, err := fetchClientSecret(ctx, httpClient, opts)
	if err != nil {
		return fmt.Errorf("mint credential: %w", err)
	}
	logger.Info("credential minted", "model", secret.Model, "expires_at", secret.ExpiresAt)

	mgr, err := realtime.New(realtime.Config{
		Logger:       logger,
		NewTransport: newTransportFactory(opts, secret.Model),
	})
	if err != nil {
		return err
	}

	var turns []transcriptTurn
	turnCh := make(chan transcriptTurn, 64)

	if opts.debug {
		mgr.SetDebugCallback(func(rec realtime.DebugRecord) {
			fmt.Fprintf(os.Stderr, "[%s/%s] %s\n", rec.Level, rec.Category, rec.Message)
		})
	}
	mgr.SetStatusChangeCallback(func(n realtime.StatusNotification) {
		logger.Info("session status", "status", n.Status, "connected", n.IsConnected)
	})

	startedAt := time.Now()
	err = mgr.Connect(ctx, secret.Value, realtime.Callbacks{
		OnTranscript: func(text string, role realtime.Role) {
			fmt.Printf("[%s] %s\n", role, text)
			select {
			case turnCh <- transcriptTurn{role: role, text: text, at: time.Now()}:
			default:
			}
		},
		OnError: func(err error) {
			logger.Error("session error", "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	stopCapture, err := startAudio(ctx, logger, opts, mgr)
	if err != nil {
		disconnectAndReport(mgr)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	stopCapture()
	report := disconnectAndReport(mgr)
	endedAt := time.Now()

	// Drain whatever transcript turns arrived before teardown.
	close(turnCh)
	for turn := range turnCh {
		turns = append(turns, turn)
	}

	if err := persistTranscript(accounts, logger, turns); err != nil {
		logger.Warn("transcript not saved", "error", err)
	}
	if report.BillingSafe {
		if err := reportUsage(logger, opts, startedAt, endedAt); err != nil {
			logger.Warn("usage not reported", "error", err)
		}
	} else {
		logger.Warn("skipping usage report, disconnection not billing-safe")
	}
	return nil
}

// startAudio wires the microphone, optional recorder, and the speaker
// sink into the session. The returned stop function is idempotent.
func startAudio(ctx context.Context, logger *slog.Logger, opts options, mgr *realtime.Manager) (func(), error) {
	if opts.noAudio {
		return func() {}, nil
	}

	session, err := media.NewCapture("").Start(ctx, media.CaptureConfig{
		SampleRate:  micSampleRate,
		Channels:    micChannels,
		InputFormat: opts.micFormat,
		InputDevice: opts.micDevice,
	})
	if err != nil {
		return nil, fmt.Errorf("start microphone: %w", err)
	}

	var recording *media.Recording
	if opts.record != "" {
		recording, err = media.NewRecorder("").Start(ctx, media.RecorderConfig{
			Path:       opts.record,
			SampleRate: micSampleRate,
			Channels:   micChannels,
		})
		if err != nil {
			_ = session.Stop()
			return nil, fmt.Errorf("start recorder: %w", err)
		}
	}

	playback := media.NewPlayback("")
	if err := playback.Start(ctx, media.PlaybackConfig{SampleRate: micSampleRate, Channels: micChannels}); err != nil {
		logger.Warn("speaker unavailable, continuing without playback", "error", err)
		playback = nil
	}
	if playback != nil {
		mgr.RegisterMediaSink(playback)
	}

	analyzer := media.NewAnalyzer()
	source := media.Tap(session, analyzer)

	go func() {
		frame := make([]byte, micFrameBytes)
		for {
			n, err := io.ReadFull(source, frame)
			if n > 0 {
				if recording != nil {
					_, _ = recording.Write(frame[:n])
				}
				if sendErr := mgr.SendAudio(frame[:n]); sendErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	cleanup := media.NewCleanup(session, recording, playback)
	return func() {
		if err := cleanup.Run(); err != nil {
			logger.Warn("audio cleanup", "error", err)
		}
		if recording != nil {
			if size, err := recording.Stop(); err == nil && size > 0 {
				logger.Info("recording saved", "path", opts.record, "bytes", size)
			}
		}
	}, nil
}

func disconnectAndReport(mgr *realtime.Manager) realtime.VerificationReport {
	disconnectCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	mgr.Disconnect(disconnectCtx)

	report := mgr.VerifyDisconnection()
	fmt.Printf("\ndisconnection report: disconnected=%t billing_safe=%t checks=%d/%d passed\n",
		report.IsDisconnected, report.BillingSafe, report.PassedChecks, report.TotalChecks)
	for _, check := range report.Checks {
		if check.Status == realtime.CheckPassed {
			continue
		}
		fmt.Printf("  [%s] %s: %s\n", check.Status, check.Name, check.Message)
	}
	return report
}

// persistTranscript saves the session transcript when a database and a
// signed-in user are both available.
func persistTranscript(accounts *account.Store, logger *slog.Logger, turns []transcriptTurn) error {
	dbURL := os.Getenv("PARLEY_DATABASE_URL")
	if dbURL == "" || len(turns) == 0 {
		return nil
	}
	userID := "local"
	if accounts != nil {
		if user, err := accounts.User(context.Background()); err == nil && user != nil {
			userID = user.ID
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := conversation.Open(ctx, dbURL)
	if err != nil {
		return err
	}
	defer store.Close()

	records := make([]conversation.Turn, 0, len(turns))
	for _, turn := range turns {
		records = append(records, conversation.Turn{
			Role:      turn.role,
			Text:      turn.text,
			Timestamp: turn.at,
		})
	}
	saved, err := store.SaveTurns(ctx, userID, records)
	if err != nil {
		return err
	}
	logger.Info("transcript saved", "turns", saved, "user", userID)
	return nil
}

func reportUsage(logger *slog.Logger, opts options, startedAt, endedAt time.Time) error {
	stripeKey := os.Getenv("PARLEY_STRIPE_API_KEY")
	if stripeKey == "" || opts.customerID == "" {
		return nil
	}
	reporter, err := billing.New(billing.Config{APIKey: stripeKey, Logger: logger})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return reporter.Report(ctx, billing.SessionUsage{
		CustomerID: opts.customerID,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
	})
}

func runMain(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}

	opts, err := parseOptions(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 2
	}

	if err := run(context.Background(), logger, opts); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(os.Args[1:]))
}
