package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that a stored session was found.
type MsgTokensFound struct{ IdentityID string }

// MsgTokenValid signals that the stored access token has not reached its expiry.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the stored access token is past its expiry.
type MsgTokenExpired struct{}

// MsgTokensNotFound signals that no session was found (starting fresh).
type MsgTokensNotFound struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgAuthSuccess signals that the user authorized successfully.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that tokens were stored.
type MsgTokenSaved struct{ Where string }

// MsgSessionExpired signals that the session was cleared.
type MsgSessionExpired struct{ Cause error }

// MsgCallingAPI signals that a batch of concurrent API calls started.
type MsgCallingAPI struct{ Calls int }

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Index int
	Body  string
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct {
	Index int
	Err   error
}

// MsgReAuthRequired signals that the session expired and re-auth is required.
type MsgReAuthRequired struct{}

// MsgDone signals successful completion.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
