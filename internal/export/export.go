// Package export provides prebuilt handlers that turn a page into a
// finished artifact: screenshot, rendered content, or PDF. They are thin
// wrappers over the page capability and run through the same admission and
// queue pipeline as submitted code.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/sandbox"
)

// ErrMissingURL reports a request without a target URL.
var ErrMissingURL = errors.New("url is required")

func targetURL(env map[string]any) (string, error) {
	url, ok := env["url"].(string)
	if !ok || url == "" {
		return "", ErrMissingURL
	}
	return url, nil
}

// Screenshot returns a handler producing a PNG of the rendered viewport.
func Screenshot() sandbox.Handler {
	return func(ctx context.Context, page browser.Page, env map[string]any) (sandbox.Result, error) {
		url, err := targetURL(env)
		if err != nil {
			return sandbox.Result{}, err
		}
		if err := page.Navigate(ctx, url); err != nil {
			return sandbox.Result{}, fmt.Errorf("navigate %s: %w", url, err)
		}
		data, err := page.Screenshot(ctx)
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("capture screenshot: %w", err)
		}
		return sandbox.Result{Data: data, Type: "image/png"}, nil
	}
}

// Content returns a handler producing the fully rendered HTML document.
func Content() sandbox.Handler {
	return func(ctx context.Context, page browser.Page, env map[string]any) (sandbox.Result, error) {
		url, err := targetURL(env)
		if err != nil {
			return sandbox.Result{}, err
		}
		if err := page.Navigate(ctx, url); err != nil {
			return sandbox.Result{}, fmt.Errorf("navigate %s: %w", url, err)
		}
		html, err := page.Content(ctx)
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("read content: %w", err)
		}
		return sandbox.Result{Data: html, Type: "text/html; charset=utf-8"}, nil
	}
}

// PDF returns a handler printing the page to PDF.
func PDF() sandbox.Handler {
	return func(ctx context.Context, page browser.Page, env map[string]any) (sandbox.Result, error) {
		url, err := targetURL(env)
		if err != nil {
			return sandbox.Result{}, err
		}
		if err := page.Navigate(ctx, url); err != nil {
			return sandbox.Result{}, fmt.Errorf("navigate %s: %w", url, err)
		}
		data, err := page.PDF(ctx)
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("print pdf: %w", err)
		}
		return sandbox.Result{Data: data, Type: "application/pdf"}, nil
	}
}
