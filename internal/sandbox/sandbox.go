// Package sandbox turns submitted automation code into an invocable handler.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/enterstudio/browserless/internal/browser"
)

// Result is the artifact produced by one handler invocation. Data may be
// raw bytes, a JSON-marshalable value, or a string; Type is its MIME type.
type Result struct {
	Data any
	Type string
}

// Handler executes submitted automation against one page.
type Handler func(ctx context.Context, page browser.Page, env map[string]any) (Result, error)

// Binder compiles submitted code into a Handler. Bind failures are
// synchronous and fatal for the submitting request only.
type Binder interface {
	Bind(code string) (Handler, error)
}

// ErrInvalidCode reports code that cannot be bound to a handler.
var ErrInvalidCode = errors.New("submitted code cannot be bound")

// EvalBinder binds code as a JavaScript expression evaluated inside the
// page. When the environment carries a "url" entry the page navigates there
// first. Promises returned by the expression are awaited.
type EvalBinder struct{}

// Bind validates the code shape and returns the evaluating handler.
func (EvalBinder) Bind(code string) (Handler, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	if !utf8.ValidString(code) {
		return nil, fmt.Errorf("%w: code is not valid UTF-8", ErrInvalidCode)
	}
	return func(ctx context.Context, page browser.Page, env map[string]any) (Result, error) {
		if url, ok := env["url"].(string); ok && url != "" {
			if err := page.Navigate(ctx, url); err != nil {
				return Result{}, fmt.Errorf("navigate %s: %w", url, err)
			}
		}
		raw, err := page.Evaluate(ctx, code)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate code: %w", err)
		}
		return Result{Data: json.RawMessage(raw), Type: "application/json"}, nil
	}, nil
}
