package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Summary describes the session at the end of a run.
type Summary struct {
	Preview    string
	IdentityID string
	ExpiresIn  time.Duration

	Requests     int64
	Refreshes    int64
	Replays      int64
	Terminations int64
}

// Displayer abstracts all output of the CLI. Refreshing, RefreshOK and
// RefreshFailed are reported by the session client itself and may be called
// from any goroutine.
type Displayer interface {
	Banner()
	TokensFound(identityID string)
	TokenValid()
	TokenExpired()
	TokensNotFound()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
	TokenSaved(where string)
	SessionExpired(cause error)
	CallingAPI(calls int)
	APICallOK(index int, body string)
	APICallFailed(index int, err error)
	ReAuthRequired()
	Done(summary Summary)
	Fatal(err error)
}

// emitter implements Displayer by turning every call into a message.
type emitter struct {
	emit func(tea.Msg)
}

func (e emitter) Banner()                       { e.emit(MsgBanner{}) }
func (e emitter) TokensFound(identityID string) { e.emit(MsgTokensFound{IdentityID: identityID}) }
func (e emitter) TokenValid()                   { e.emit(MsgTokenValid{}) }
func (e emitter) TokenExpired()                 { e.emit(MsgTokenExpired{}) }
func (e emitter) TokensNotFound()               { e.emit(MsgTokensNotFound{}) }
func (e emitter) Refreshing()                   { e.emit(MsgRefreshing{}) }
func (e emitter) RefreshOK()                    { e.emit(MsgRefreshOK{}) }
func (e emitter) RefreshFailed(err error)       { e.emit(MsgRefreshFailed{Err: err}) }
func (e emitter) WaitingForAuth()               { e.emit(MsgWaitingForAuth{}) }
func (e emitter) PollSlowDown(d time.Duration)  { e.emit(MsgPollSlowDown{NewInterval: d}) }
func (e emitter) AuthSuccess()                  { e.emit(MsgAuthSuccess{}) }
func (e emitter) TokenSaved(where string)       { e.emit(MsgTokenSaved{Where: where}) }
func (e emitter) SessionExpired(cause error)    { e.emit(MsgSessionExpired{Cause: cause}) }
func (e emitter) CallingAPI(calls int)          { e.emit(MsgCallingAPI{Calls: calls}) }
func (e emitter) ReAuthRequired()               { e.emit(MsgReAuthRequired{}) }
func (e emitter) Done(summary Summary)          { e.emit(MsgDone{Summary: summary}) }
func (e emitter) Fatal(err error)               { e.emit(MsgFatal{Err: err}) }

func (e emitter) DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time) {
	e.emit(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (e emitter) APICallOK(index int, body string) {
	e.emit(MsgAPICallOK{Index: index, Body: body})
}

func (e emitter) APICallFailed(index int, err error) {
	e.emit(MsgAPICallFailed{Index: index, Err: err})
}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	emitter
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{emitter{emit: p.Send}}
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	emitter

	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	p := &PlainDisplayer{w: w}
	p.emitter = emitter{emit: p.print}
	return p
}

func (p *PlainDisplayer) print(msg tea.Msg) {
	text := plainText(msg)
	if text == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, text)
}

// plainText renders msg as the lines PlainDisplayer prints.
func plainText(msg tea.Msg) string {
	switch msg := msg.(type) {
	case MsgBanner:
		return "=== AuthGate Session Client ===\n\n"
	case MsgTokensFound:
		if msg.IdentityID == "" {
			return "Found existing session!\n"
		}
		return fmt.Sprintf("Found existing session for %s!\n", msg.IdentityID)
	case MsgTokenValid:
		return "Access token is still valid, using it...\n"
	case MsgTokenExpired:
		return "Access token expired, it will be refreshed on first use...\n"
	case MsgTokensNotFound:
		return "No existing session found, starting device flow...\n"
	case MsgRefreshing:
		return "Access token rejected (401), refreshing...\n"
	case MsgRefreshOK:
		return "Token refreshed successfully, replaying requests...\n"
	case MsgRefreshFailed:
		return fmt.Sprintf("Refresh failed: %v\n", msg.Err)
	case MsgDeviceCodeReady:
		return deviceCodeText(msg)
	case MsgWaitingForAuth:
		return "Step 2: Waiting for authorization...\n"
	case MsgPollSlowDown:
		return fmt.Sprintf("Server requested slower polling, new interval: %s\n", msg.NewInterval)
	case MsgAuthSuccess:
		return "\nAuthorization successful!\n"
	case MsgTokenSaved:
		return fmt.Sprintf("Tokens saved to %s\n", msg.Where)
	case MsgSessionExpired:
		return fmt.Sprintf("Session ended: %v\n", msg.Cause)
	case MsgCallingAPI:
		return fmt.Sprintf("\nSending %d concurrent API calls...\n", msg.Calls)
	case MsgAPICallOK:
		if msg.Body == "" {
			return fmt.Sprintf("API call #%d successful!\n", msg.Index+1)
		}
		return fmt.Sprintf("API call #%d successful: %s\n", msg.Index+1, msg.Body)
	case MsgAPICallFailed:
		return fmt.Sprintf("API call #%d failed: %v\n", msg.Index+1, msg.Err)
	case MsgReAuthRequired:
		return "Session expired, re-authenticating...\n"
	case MsgDone:
		return summaryText(msg.Summary)
	case MsgFatal:
		return fmt.Sprintf("Error: %v\n", msg.Err)
	}
	return ""
}

const rule = "----------------------------------------"

func deviceCodeText(msg MsgDeviceCodeReady) string {
	var b strings.Builder
	fmt.Fprintln(&b, "Step 1: Requesting device code...")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Please open this link to authorize:\n%s\n", msg.VerifyURIComplete)
	fmt.Fprintf(&b, "\nOr manually visit: %s\n", msg.VerifyURI)
	fmt.Fprintf(&b, "And enter code: %s\n", msg.UserCode)
	fmt.Fprintf(&b, "Code expires in: %s\n", time.Until(msg.Expiry).Round(time.Second))
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b)
	return b.String()
}

func summaryText(s Summary) string {
	var b strings.Builder
	fmt.Fprintln(&b, "\n========================================")
	fmt.Fprintln(&b, "Current Session:")
	fmt.Fprintf(&b, "Access Token: %s...\n", s.Preview)
	if s.IdentityID != "" {
		fmt.Fprintf(&b, "Identity: %s\n", s.IdentityID)
	}
	fmt.Fprintf(&b, "Expires In: %s\n", s.ExpiresIn.Round(time.Second))
	fmt.Fprintf(&b, "Requests: %d  Refreshes: %d  Replays: %d  Terminations: %d\n",
		s.Requests, s.Refreshes, s.Replays, s.Terminations)
	fmt.Fprintln(&b, "========================================")
	return b.String()
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                     {}
func (NoopDisplayer) TokensFound(_ string)                        {}
func (NoopDisplayer) TokenValid()                                 {}
func (NoopDisplayer) TokenExpired()                               {}
func (NoopDisplayer) TokensNotFound()                             {}
func (NoopDisplayer) Refreshing()                                 {}
func (NoopDisplayer) RefreshOK()                                  {}
func (NoopDisplayer) RefreshFailed(_ error)                       {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) AuthSuccess()                                {}
func (NoopDisplayer) TokenSaved(_ string)                         {}
func (NoopDisplayer) SessionExpired(_ error)                      {}
func (NoopDisplayer) CallingAPI(_ int)                            {}
func (NoopDisplayer) APICallOK(_ int, _ string)                   {}
func (NoopDisplayer) APICallFailed(_ int, _ error)                {}
func (NoopDisplayer) ReAuthRequired()                             {}
func (NoopDisplayer) Done(_ Summary)                              {}
func (NoopDisplayer) Fatal(_ error)                               {}
