package testutils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Responder produces the response for one request.
type Responder func(req *http.Request) (*http.Response, error)

// ScriptedDoer answers the n-th request with Script[n], then with Fallback.
type ScriptedDoer struct {
	Mu       sync.Mutex
	Requests []*http.Request
	Script   []Responder
	Fallback Responder
}

func (d *ScriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.Mu.Lock()
	i := len(d.Requests)
	d.Requests = append(d.Requests, req)
	fn := d.Fallback
	if i < len(d.Script) {
		fn = d.Script[i]
	}
	d.Mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("no scripted response for request %d", i)
	}
	return fn(req)
}

// Calls returns how many requests were issued.
func (d *ScriptedDoer) Calls() int {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	return len(d.Requests)
}

// Request returns the i-th recorded request.
func (d *ScriptedDoer) Request(i int) *http.Request {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	return d.Requests[i]
}

// Status answers with an empty body and the given code.
func Status(code int) Responder {
	return func(req *http.Request) (*http.Response, error) {
		return response(req, code, &chunkBody{ctx: req.Context()}), nil
	}
}

// Stream answers 200 and delivers each chunk in its own Read, then EOF.
func Stream(chunks ...string) Responder {
	return func(req *http.Request) (*http.Response, error) {
		return response(req, http.StatusOK, &chunkBody{ctx: req.Context(), chunks: append([]string(nil), chunks...)}), nil
	}
}

// Hang answers 200, delivers the chunks, then blocks until the request is cancelled.
func Hang(chunks ...string) Responder {
	return func(req *http.Request) (*http.Response, error) {
		return response(req, http.StatusOK, &chunkBody{ctx: req.Context(), chunks: append([]string(nil), chunks...), hang: true}), nil
	}
}

// Fail returns a transport error.
func Fail(err error) Responder {
	return func(*http.Request) (*http.Response, error) { return nil, err }
}

func response(req *http.Request, code int, body io.ReadCloser) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       body,
		Request:    req,
	}
}

type chunkBody struct {
	ctx    context.Context
	chunks []string
	hang   bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if len(b.chunks) > 0 {
		n := copy(p, b.chunks[0])
		if n < len(b.chunks[0]) {
			b.chunks[0] = b.chunks[0][n:]
		} else {
			b.chunks = b.chunks[1:]
		}
		return n, nil
	}
	if b.hang {
		<-b.ctx.Done()
		return 0, b.ctx.Err()
	}
	return 0, io.EOF
}

func (b *chunkBody) Close() error { return nil }

// Frame renders one prices record in wire format.
func Frame(data string) string {
	return "event: prices\ndata: " + strings.TrimSpace(data) + "\n\n"
}
