package portal

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/browser"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func noSleep(context.Context, time.Duration) error { return nil }

// fakeSession records calls and delegates to optional function fields.
type fakeSession struct {
	alive  bool
	url    string
	calls  []string
	filled map[string]string

	StartFunc    func(ctx context.Context) error
	GotoFunc     func(url string, wait browser.WaitMode) error
	ReloadFunc   func(wait browser.WaitMode) error
	PressFunc    func(selector, key string) error
	ClickFunc    func(selector string) error
	EvalFunc     func(script string) (any, error)
	WaitForFunc  func(selector string) error
	DownloadFunc func(ctx context.Context, action func(context.Context) error) (string, error)
}

func newFakeSession() *fakeSession {
	return &fakeSession{filled: make(map[string]string)}
}

func (f *fakeSession) factory() browser.Factory {
	return func() browser.Session { return f }
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.calls = append(f.calls, "start")
	if f.StartFunc != nil {
		if err := f.StartFunc(ctx); err != nil {
			return err
		}
	}
	f.alive = true
	return nil
}

func (f *fakeSession) Stop() error {
	f.calls = append(f.calls, "stop")
	f.alive = false
	return nil
}

func (f *fakeSession) Alive() bool { return f.alive }

func (f *fakeSession) Goto(_ context.Context, url string, wait browser.WaitMode) error {
	f.calls = append(f.calls, "goto "+url)
	if f.GotoFunc != nil {
		return f.GotoFunc(url, wait)
	}
	f.url = url
	return nil
}

func (f *fakeSession) Reload(_ context.Context, wait browser.WaitMode) error {
	f.calls = append(f.calls, "reload")
	if f.ReloadFunc != nil {
		return f.ReloadFunc(wait)
	}
	return nil
}

func (f *fakeSession) Fill(_ context.Context, selector, value string) error {
	f.calls = append(f.calls, "fill "+selector)
	f.filled[selector] = value
	return nil
}

func (f *fakeSession) Click(_ context.Context, selector string) error {
	f.calls = append(f.calls, "click "+selector)
	if f.ClickFunc != nil {
		return f.ClickFunc(selector)
	}
	return nil
}

func (f *fakeSession) Press(_ context.Context, selector, key string) error {
	f.calls = append(f.calls, "press "+selector+" "+key)
	if f.PressFunc != nil {
		return f.PressFunc(selector, key)
	}
	return nil
}

// Eval round-trips the handler's value through JSON like the real
// browser does.
func (f *fakeSession) Eval(_ context.Context, script string, out any) error {
	f.calls = append(f.calls, "eval")
	if f.EvalFunc == nil {
		return nil
	}
	v, err := f.EvalFunc(script)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeSession) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	f.calls = append(f.calls, "wait "+selector)
	if f.WaitForFunc != nil {
		return f.WaitForFunc(selector)
	}
	return nil
}

func (f *fakeSession) ExpectDownload(ctx context.Context, action func(context.Context) error, _ time.Duration) (string, error) {
	f.calls = append(f.calls, "download")
	if f.DownloadFunc != nil {
		return f.DownloadFunc(ctx, action)
	}
	return "", action(ctx)
}

func (f *fakeSession) CurrentURL(context.Context) (string, error) {
	return f.url, nil
}

func (f *fakeSession) Content(context.Context) (string, error) {
	return "<html></html>", nil
}
