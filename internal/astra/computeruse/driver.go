package computeruse

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/astraforge/sandbox-core/internal/astra/model"
)

// Driver executes ComputerCalls against a single headless Chromium page
// launched inside the sandbox's local-backend container. One Driver is
// bound to one session for the lifetime of its browser-automation run.
type Driver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	trace   *TraceWriter
}

// SetTrace attaches a TraceWriter that every subsequent Execute call
// records a step to. Passing nil disables tracing.
func (d *Driver) SetTrace(w *TraceWriter) { d.trace = w }

// NewDriver launches a fresh headless Chromium instance and page.
func NewDriver() (*Driver, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("computeruse: start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("computeruse: launch chromium: %w", err)
	}
	page, err := browser.NewPage()
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("computeruse: new page: %w", err)
	}
	return &Driver{pw: pw, browser: browser, page: page}, nil
}

// Close tears down the browser and the playwright driver process.
func (d *Driver) Close() error {
	if d.browser != nil {
		_ = d.browser.Close()
	}
	if d.pw != nil {
		return d.pw.Stop()
	}
	return nil
}

// Execute runs call against the live page and returns the resulting
// Observation. The caller is responsible for running the call through
// Evaluate first; Execute does not itself consult policy.
func (d *Driver) Execute(ctx context.Context, call model.ComputerCall) model.Observation {
	obs := model.Observation{CallID: call.ID, ObservedAt: time.Now()}

	var err error
	switch call.Action {
	case model.ActionNavigate:
		_, err = d.page.Goto(call.URL)
	case model.ActionWebSearch:
		_, err = d.page.Goto("https://duckduckgo.com/?q=" + call.URL)
	case model.ActionClick:
		err = d.page.Mouse().Click(float64(call.X), float64(call.Y))
	case model.ActionDoubleClick:
		err = d.page.Mouse().Dblclick(float64(call.X), float64(call.Y))
	case model.ActionType:
		err = d.page.Keyboard().Type(call.Text)
	case model.ActionKeypress:
		for _, key := range call.Keys {
			if kerr := d.page.Keyboard().Press(key); kerr != nil {
				err = kerr
				break
			}
		}
	case model.ActionScroll:
		_, err = d.page.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", call.X, call.Y))
	case model.ActionBack:
		_, err = d.page.GoBack()
	case model.ActionWait:
		d.page.WaitForTimeout(1000)
	case model.ActionScreenshot:
		// handled below regardless of action, so nothing to do here
	case model.ActionTerminate:
		// caller tears the Driver down after observing this call
	default:
		err = fmt.Errorf("computeruse: unsupported action %q", call.Action)
	}
	if err != nil {
		obs.Error = err.Error()
	}

	if shot, serr := d.page.Screenshot(); serr == nil {
		obs.Screenshot = shot
	}
	obs.URL = d.page.URL()
	if title, terr := d.page.Title(); terr == nil {
		obs.Title = title
	}

	if d.trace != nil {
		_ = d.trace.WriteStep(call, obs)
	}
	return obs
}
