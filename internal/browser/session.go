package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed means the browser or tab is gone and the session must be
	// rebuilt.
	ErrClosed = errors.New("browser closed")
	// ErrTimeout means an operation exceeded its deadline while the
	// browser itself was still alive.
	ErrTimeout = errors.New("browser operation timed out")
)

type WaitMode int

const (
	WaitLoad WaitMode = iota
	WaitNetworkIdle
)

const DefaultTimeout = 120 * time.Second

// Session is a single headless tab. It is not safe for concurrent use.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Alive() bool

	Goto(ctx context.Context, url string, wait WaitMode) error
	Reload(ctx context.Context, wait WaitMode) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Press(ctx context.Context, selector, key string) error
	// Eval runs script and decodes its JSON result into out.
	Eval(ctx context.Context, script string, out any) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// ExpectDownload runs action and returns the path of the file it
	// causes the page to download.
	ExpectDownload(ctx context.Context, action func(context.Context) error, timeout time.Duration) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
}

// Factory builds a fresh, unstarted session.
type Factory func() Session

// IsDead reports whether err requires the session to be recycled.
func IsDead(err error) bool {
	return errors.Is(err, ErrClosed)
}
