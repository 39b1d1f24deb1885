// Command authgate-session signs in with the OAuth device flow and calls a
// protected endpoint concurrently through a session.Client, which refreshes
// the access token once for all calls that hit a 401.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-client/refresher"
	"github.com/go-authgate/session-client/session"
	"github.com/go-authgate/session-client/tui"
)

const (
	apiCallTimeout = 30 * time.Second
	maxBodyPreview = 200
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, w := range cfg.warnings() {
		fmt.Fprintln(os.Stderr, "⚠️  "+w)
	}

	tty := isTTY()

	logger, err := newLogger(cfg.Debug, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr = run(ctx, cfg, logger, d)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		runErr = run(ctx, cfg, logger, d)
	}

	if runErr != nil {
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

// newLogger builds the process logger. The TUI owns stderr, so it only gets
// log output in debug mode.
func newLogger(debug, tty bool) (*zap.Logger, error) {
	switch {
	case debug:
		return zap.NewDevelopment()
	case tty:
		return zap.NewNop(), nil
	default:
		return zap.NewProduction()
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func run(ctx context.Context, cfg *config, logger *zap.Logger, d tui.Displayer) error {
	store, closeStore, err := cfg.TokenStore.Config.CreateTokenStore(cfg.ClientID)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close token store", zap.Error(err))
		}
	}()

	baseHTTPClient := newHTTPClient()

	// Only the sign-in surface retries; API calls and refreshes are sent once.
	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		err = fmt.Errorf("failed to create retry client: %w", err)
		d.Fatal(err)
		return err
	}

	client := session.New(
		store,
		refresher.NewHTTP(cfg.ServerURL+"/oauth/token", cfg.ClientID, baseHTTPClient),
		session.WithTransport(baseHTTPClient.Transport),
		session.WithRefreshTimeout(cfg.RefreshTimeout),
		session.WithLogger(logger),
		session.WithObserver(d),
	)
	client.OnSessionExpired(func(ev session.SessionExpiredEvent) {
		d.SessionExpired(ev.Cause)
	})

	flow := newDeviceFlow(cfg.ServerURL, cfg.ClientID, retryClient, d)
	where := describeStore(store)

	tokens, err := client.Tokens(ctx)
	switch {
	case err != nil:
		logger.Warn("failed to read stored tokens", zap.Error(err))
		d.TokensNotFound()
		if err := login(ctx, client, flow, d, where); err != nil {
			return err
		}
	case tokens.IsAuthenticated():
		d.TokensFound(tokens.IdentityID)
		if tokens.Expired(time.Now()) {
			d.TokenExpired()
		} else {
			d.TokenValid()
		}
	default:
		d.TokensNotFound()
		if err := login(ctx, client, flow, d, where); err != nil {
			return err
		}
	}

	err = callAPI(ctx, client, cfg, d)
	if errors.Is(err, session.ErrSessionExpired) {
		d.ReAuthRequired()
		if err := login(ctx, client, flow, d, where); err != nil {
			return err
		}
		err = callAPI(ctx, client, cfg, d)
	}
	if err != nil {
		d.Fatal(err)
		return err
	}

	tokens, err = client.Tokens(ctx)
	if err != nil {
		d.Fatal(err)
		return err
	}

	stats := client.Stats()
	d.Done(tui.Summary{
		Preview:      preview(tokens.AccessToken, 50),
		IdentityID:   tokens.IdentityID,
		ExpiresIn:    time.Until(tokens.ExpiresAt).Round(time.Second),
		Requests:     stats.Requests,
		Refreshes:    stats.Refreshes,
		Replays:      stats.Replays,
		Terminations: stats.Terminations,
	})

	return nil
}

// login signs in with the device flow and hands the tokens to the client.
func login(ctx context.Context, client *session.Client, flow *deviceFlow, d tui.Displayer, where string) error {
	tokens, err := flow.login(ctx)
	if err != nil {
		d.Fatal(err)
		return err
	}

	if err := client.Login(ctx, tokens); err != nil {
		d.Fatal(err)
		return err
	}
	d.TokenSaved(where)

	return nil
}

// callAPI sends cfg.Calls requests at once. They all start with the same
// access token, so an expired token costs a single refresh.
func callAPI(ctx context.Context, client *session.Client, cfg *config, d tui.Displayer) error {
	d.CallingAPI(cfg.Calls)

	g, ctx := errgroup.WithContext(ctx)
	for i := range cfg.Calls {
		g.Go(func() error {
			body, err := callOnce(ctx, client, cfg.ServerURL+cfg.APIPath)
			if err != nil {
				d.APICallFailed(i, err)
				return err
			}
			d.APICallOK(i, preview(body, maxBodyPreview))
			return nil
		})
	}

	return g.Wait()
}

func callOnce(ctx context.Context, client *session.Client, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API call failed with status %d: %s", resp.StatusCode, string(body))
	}

	return string(body), nil
}

// preview returns at most n bytes of s without splitting a UTF-8 sequence.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ session.Observer = (tui.Displayer)(nil)
