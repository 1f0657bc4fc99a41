package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

type Options struct {
	ExecPath    string
	UserAgent   string
	Headless    bool
	Timeout     time.Duration
	DownloadDir string
}

// Chrome drives one tab of a locally launched Chromium through chromedp.
type Chrome struct {
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
}

func NewChrome(opts Options, log *zap.Logger) *Chrome {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Chrome{opts: opts, log: log}
}

// NewFactory returns a Factory producing Chrome sessions with opts.
func NewFactory(opts Options, log *zap.Logger) Factory {
	return func() Session { return NewChrome(opts, log) }
}

func (c *Chrome) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("single-process", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	if !c.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if c.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.opts.ExecPath))
	}
	if c.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.opts.UserAgent))
	}
	return opts
}

func (c *Chrome) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab != nil && c.tab.Err() == nil {
		return nil
	}

	dir := c.opts.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	c.opts.DownloadDir = dir

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), c.allocatorOptions()...)
	tab, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(c.log.Sugar().Debugf))

	// The first Run launches the browser and must use the tab context
	// itself; the timer below bounds it instead of a derived deadline.
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(tab,
			page.SetLifecycleEventsEnabled(true),
			cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
				WithDownloadPath(dir).
				WithEventsEnabled(true),
		)
	}()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("%w: launch exceeded %s", ErrTimeout, c.opts.Timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	c.allocCancel, c.tab, c.tabCancel = allocCancel, tab, tabCancel
	c.log.Debug("browser started", zap.String("download_dir", dir))
	return nil
}

func (c *Chrome) Stop() error {
	c.mu.Lock()
	tab, tabCancel, allocCancel := c.tab, c.tabCancel, c.allocCancel
	c.tab, c.tabCancel, c.allocCancel = nil, nil, nil
	c.mu.Unlock()

	if tab == nil {
		return nil
	}
	var err error
	if tab.Err() == nil {
		err = chromedp.Cancel(tab)
	}
	tabCancel()
	allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop browser: %w", err)
	}
	return nil
}

func (c *Chrome) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tab != nil && c.tab.Err() == nil
}

func (c *Chrome) current() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab == nil {
		return nil, fmt.Errorf("%w: session not started", ErrClosed)
	}
	return c.tab, nil
}

// run executes fn against the tab with the per-operation deadline. the
// caller's cancellation aborts the operation without closing the tab.
func (c *Chrome) run(ctx context.Context, fn func(op context.Context) error) error {
	tab, err := c.current()
	if err != nil {
		return err
	}
	op, cancel := context.WithTimeout(tab, c.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = fn(op)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(tab, err)
}

var deadMarkers = []string{
	"target closed",
	"has been closed",
	"crashed",
	"websocket: close",
	"use of closed network connection",
	"broken pipe",
	"connection reset",
	"no such target",
}

func classify(tab context.Context, err error) error {
	if tab.Err() != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range deadMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// networkIdle fires after the next document reaches network idle.
func networkIdle(op context.Context) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	started := false
	chromedp.ListenTarget(op, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		switch e.Name {
		case "init":
			started = true
		case "networkIdle":
			if started {
				once.Do(func() { close(ch) })
			}
		}
	})
	return ch
}

func (c *Chrome) Goto(ctx context.Context, url string, wait WaitMode) error {
	return c.run(ctx, func(op context.Context) error {
		if wait == WaitNetworkIdle {
			idle := networkIdle(op)
			if err := chromedp.Run(op, chromedp.Navigate(url)); err != nil {
				return err
			}
			select {
			case <-idle:
				return nil
			case <-op.Done():
				return op.Err()
			}
		}
		return chromedp.Run(op, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
	})
}

func (c *Chrome) Reload(ctx context.Context, wait WaitMode) error {
	return c.run(ctx, func(op context.Context) error {
		if wait == WaitNetworkIdle {
			idle := networkIdle(op)
			if err := chromedp.Run(op, chromedp.Reload()); err != nil {
				return err
			}
			select {
			case <-idle:
				return nil
			case <-op.Done():
				return op.Err()
			}
		}
		return chromedp.Run(op, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery))
	})
}

func (c *Chrome) Fill(ctx context.Context, selector, value string) error {
	return c.run(ctx, func(op context.Context) error {
		return chromedp.Run(op,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, value, chromedp.ByQuery),
		)
	})
}

func (c *Chrome) Click(ctx context.Context, selector string) error {
	return c.run(ctx, func(op context.Context) error {
		return chromedp.Run(op, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	})
}

var keyNames = map[string]string{
	"enter":  kb.Enter,
	"tab":    kb.Tab,
	"escape": kb.Escape,
}

func (c *Chrome) Press(ctx context.Context, selector, key string) error {
	if k, ok := keyNames[strings.ToLower(key)]; ok {
		key = k
	}
	return c.run(ctx, func(op context.Context) error {
		return chromedp.Run(op, chromedp.SendKeys(selector, key, chromedp.ByQuery))
	})
}

func (c *Chrome) Eval(ctx context.Context, script string, out any) error {
	return c.run(ctx, func(op context.Context) error {
		return chromedp.Run(op, chromedp.Evaluate(script, out))
	})
}

func (c *Chrome) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return c.run(ctx, func(op context.Context) error {
		wctx, cancel := context.WithTimeout(op, timeout)
		defer cancel()
		return chromedp.Run(wctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	})
}

func (c *Chrome) ExpectDownload(ctx context.Context, action func(context.Context) error, timeout time.Duration) (string, error) {
	tab, err := c.current()
	if err != nil {
		return "", err
	}
	lctx, cancel := context.WithCancel(tab)
	defer cancel()

	done := make(chan string, 1)
	failed := make(chan error, 1)
	listen := func(ev any) {
		e, ok := ev.(*cdpbrowser.EventDownloadProgress)
		if !ok {
			return
		}
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			select {
			case done <- e.GUID:
			default:
			}
		case cdpbrowser.DownloadProgressStateCanceled:
			select {
			case failed <- errors.New("download canceled"):
			default:
			}
		}
	}
	chromedp.ListenTarget(lctx, listen)
	chromedp.ListenBrowser(lctx, listen)

	if err := action(ctx); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case guid := <-done:
		return filepath.Join(c.opts.DownloadDir, guid), nil
	case err := <-failed:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("%w: download not finished after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-tab.Done():
		return "", ErrClosed
	}
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := c.run(ctx, func(op context.Context) error {
		return chromedp.Run(op, chromedp.Location(&url))
	})
	return url, err
}

func (c *Chrome) Content(ctx context.Context) (string, error) {
	var html string
	err := c.run(ctx, func(op context.Context) error {
		return chromedp.Run(op, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	})
	return html, err
}
