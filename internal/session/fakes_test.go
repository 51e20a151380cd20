package session

import (
	"context"
	"errors"
	"sync"

	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/sandbox"
)

type fakePage struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePage) Navigate(context.Context, string) error { return nil }
func (p *fakePage) Evaluate(context.Context, string) ([]byte, error) {
	return []byte(`"ok"`), nil
}
func (p *fakePage) Content(context.Context) (string, error)    { return "<html></html>", nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte{0x89, 'P', 'N', 'G'}, nil }
func (p *fakePage) PDF(context.Context) ([]byte, error)        { return []byte("%PDF"), nil }
func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeHandle struct {
	mu     sync.Mutex
	pages  []*fakePage
	closed bool
}

func (h *fakeHandle) NewPage(context.Context) (browser.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("browser closed")
	}
	p := &fakePage{}
	h.pages = append(h.pages, p)
	return p, nil
}

func (h *fakeHandle) Pages() []browser.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []browser.Page
	for _, p := range h.pages {
		if !p.isClosed() {
			out = append(out, p)
		}
	}
	return out
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) openPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.pages {
		if !p.isClosed() {
			n++
		}
	}
	return n
}

var (
	_ browser.Driver = (*fakeDriver)(nil)
	_ Responder      = (*testResponder)(nil)
)

type fakeDriver struct {
	mu       sync.Mutex
	launches int
	fail     bool
	handles  []*fakeHandle
}

func (d *fakeDriver) Launch(context.Context, []string) (browser.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.fail {
		return nil, errors.New("launch refused")
	}
	h := &fakeHandle{}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDriver) handleAt(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func (d *fakeDriver) handleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// testResponder records the single response a job is allowed to write.
type testResponder struct {
	mu          sync.Mutex
	status      int
	contentType string
	body        []byte
	sent        bool
}

func (r *testResponder) Respond(status int, contentType string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return
	}
	r.sent = true
	r.status = status
	r.contentType = contentType
	r.body = append([]byte(nil), body...)
}

func (r *testResponder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = true
}

func (r *testResponder) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *testResponder) snapshot() (int, string, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.contentType, r.body
}

// gateHandler blocks until released, recording the order jobs started in.
type gateHandler struct {
	mu      sync.Mutex
	started []int
	gates   map[int]chan sandbox.Result
}

func newGateHandler() *gateHandler {
	return &gateHandler{gates: map[int]chan sandbox.Result{}}
}

// handler returns a Handler for job index i that waits on its gate.
func (g *gateHandler) handler(i int) sandbox.Handler {
	g.mu.Lock()
	gate := make(chan sandbox.Result, 1)
	g.gates[i] = gate
	g.mu.Unlock()
	return func(ctx context.Context, _ browser.Page, _ map[string]any) (sandbox.Result, error) {
		g.mu.Lock()
		g.started = append(g.started, i)
		g.mu.Unlock()
		select {
		case res := <-gate:
			return res, nil
		case <-ctx.Done():
			return sandbox.Result{}, ctx.Err()
		}
	}
}

func (g *gateHandler) release(i int, res sandbox.Result) {
	g.mu.Lock()
	gate := g.gates[i]
	g.mu.Unlock()
	gate <- res
}

func (g *gateHandler) startedOrder() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.started...)
}

type countingHooks struct {
	mu       sync.Mutex
	queued   int
	timeouts int
	errs     int
}

func (h *countingHooks) OnQueued() {
	h.mu.Lock()
	h.queued++
	h.mu.Unlock()
}

func (h *countingHooks) OnTimeout() {
	h.mu.Lock()
	h.timeouts++
	h.mu.Unlock()
}

func (h *countingHooks) OnError() {
	h.mu.Lock()
	h.errs++
	h.mu.Unlock()
}

func (h *countingHooks) counts() (queued, timeouts, errs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queued, h.timeouts, h.errs
}

type fakeBinder struct {
	err error
}

func (b fakeBinder) Bind(code string) (sandbox.Handler, error) {
	if b.err != nil {
		return nil, b.err
	}
	return func(ctx context.Context, page browser.Page, _ map[string]any) (sandbox.Result, error) {
		raw, err := page.Evaluate(ctx, code)
		if err != nil {
			return sandbox.Result{}, err
		}
		return sandbox.Result{Data: string(raw), Type: "text/plain"}, nil
	}, nil
}
