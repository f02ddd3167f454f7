package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"cpterm/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ChromePDF prints the cleaned statement to PDF with headless Chrome. The
// browser is launched on first use and kept until Close.
type ChromePDF struct {
	Bin string // Chrome executable; empty lets the launcher find or fetch one

	mu      sync.Mutex
	browser *rod.Browser
}

func (c *ChromePDF) Convert(ctx context.Context, html, baseURI, outputPath string) error {
	doc, err := Clean(html, baseURI, false)
	if err != nil {
		return c.fail(outputPath, err)
	}

	browser, err := c.ensureStarted()
	if err != nil {
		return c.fail(outputPath, err)
	}

	timer := logging.StartTimer(logging.CategoryConvert, "chrome pdf")
	defer timer.Stop()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return c.fail(outputPath, fmt.Errorf("open page: %w", err))
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	if err := page.SetDocumentContent(doc); err != nil {
		return c.fail(outputPath, fmt.Errorf("load document: %w", err))
	}
	if err := page.WaitLoad(); err != nil {
		return c.fail(outputPath, fmt.Errorf("wait for load: %w", err))
	}

	r, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return c.fail(outputPath, fmt.Errorf("print to pdf: %w", err))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return c.fail(outputPath, fmt.Errorf("read pdf: %w", err))
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return c.fail(outputPath, err)
	}
	return nil
}

func (c *ChromePDF) fail(outputPath string, err error) error {
	logging.Get(logging.CategoryConvert).Error("chrome pdf failed: %v", err)
	return &Error{Converter: NameChromePDF, Output: outputPath, Err: err}
}

func (c *ChromePDF) ensureStarted() (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// If we already have a browser, verify it's still alive
	if c.browser != nil {
		if _, err := c.browser.Version(); err == nil {
			return c.browser, nil
		}
		logging.Get(logging.CategoryConvert).Warn("stale browser connection detected, relaunching")
		_ = c.browser.Close()
		c.browser = nil
	}

	l := launcher.New().Headless(true)
	if c.Bin != "" {
		l = l.Bin(c.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	c.browser = browser
	logging.Get(logging.CategoryConvert).Info("chrome started at %s", controlURL)
	return browser, nil
}

// Close shuts the browser down if it was started.
func (c *ChromePDF) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	c.browser = nil
	return err
}
