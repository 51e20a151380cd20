// Package browser defines the narrow driver capability the service uses to
// launch and control headless browser processes.
package browser

import (
	"context"
	"strings"
)

// Driver launches browser processes.
type Driver interface {
	Launch(ctx context.Context, flags []string) (Handle, error)
}

// Handle is an opaque handle to one running browser process.
type Handle interface {
	NewPage(ctx context.Context) (Page, error)
	Pages() []Page
	Close(ctx context.Context) error
}

// Page is a single open tab on a Handle.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string) ([]byte, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// ParseFlag splits a raw chrome flag like "--window-size=1920,1080" into a
// name/value pair. Bare flags ("--disable-gpu") map to value "".
func ParseFlag(raw string) (name, value string) {
	raw = strings.TrimLeft(raw, "-")
	if i := strings.IndexByte(raw, '='); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}
