package portal

import (
	"errors"
	"fmt"

	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/reading"
)

// Kind classifies a portal failure for the poller's recovery policy.
type Kind int

const (
	KindUnknown Kind = iota
	AuthFailed
	SessionExpired
	NavigationTimeout
	BrowserDead
	ExtractionInvalid
	DownloadFailed
	StoreError
	NotifyError
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	AuthFailed:        "auth_failed",
	SessionExpired:    "session_expired",
	NavigationTimeout: "navigation_timeout",
	BrowserDead:       "browser_dead",
	ExtractionInvalid: "extraction_invalid",
	DownloadFailed:    "download_failed",
	StoreError:        "store_error",
	NotifyError:       "notify_error",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Portal reading.Portal
	Kind   Kind
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Portal, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Portal, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain. Bare browser
// errors are classified too.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, browser.ErrClosed):
		return BrowserDead
	case errors.Is(err, browser.ErrTimeout):
		return NavigationTimeout
	}
	return KindUnknown
}

func newError(p reading.Portal, kind Kind, op string, err error) *Error {
	return &Error{Portal: p, Kind: kind, Op: op, Err: err}
}

// fromBrowser maps a session failure. Anything that is not a crash counts
// as a navigation failure.
func fromBrowser(p reading.Portal, op string, err error) *Error {
	if browser.IsDead(err) {
		return newError(p, BrowserDead, op, err)
	}
	return newError(p, NavigationTimeout, op, err)
}
