package action

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wudi/edgeroute/internal/routectx"
	"github.com/wudi/edgeroute/internal/urlutil"
	"github.com/wudi/edgeroute/internal/value"
)

// ResponseRewrite mutates the response headers, status or JSON body.
type ResponseRewrite struct {
	rewrite
}

// NewResponseRewrite compiles one response rewrite entry.
func NewResponseRewrite(scope Scope, raw any) (*ResponseRewrite, error) {
	rw, err := newRewrite(scope, raw)
	if err != nil {
		return nil, fmt.Errorf("response rewrite: %w", err)
	}
	return &ResponseRewrite{rw}, nil
}

// Apply rewrites resp and returns the response to continue with.
func (r *ResponseRewrite) Apply(rc *routectx.Context, resp *http.Response) (*http.Response, error) {
	if !r.match.Evaluate(rc) {
		return resp, nil
	}
	val, err := r.value.Get(rc)
	if err != nil {
		return nil, err
	}

	switch r.typ {
	case TypeHeader:
		r.rewriteHeader(resp, val)
	case TypeStatus:
		if err := r.rewriteStatus(resp, val); err != nil {
			return nil, err
		}
	case TypeJSONBody:
		if err := r.rewriteJSONBody(rc, resp, val); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (r *ResponseRewrite) rewriteHeader(resp *http.Response, val any) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	switch r.operation {
	case OpSet:
		if val != nil {
			resp.Header.Set(r.field, value.ToString(val))
		}
	case OpAppend:
		if val != nil {
			resp.Header.Add(r.field, value.ToString(val))
		}
	case OpDelete:
		resp.Header.Del(r.field)
	}
}

func (r *ResponseRewrite) rewriteStatus(resp *http.Response, val any) error {
	if r.operation != OpSet || val == nil {
		return nil
	}
	n := value.ToNumber(val)
	if math.IsNaN(n) || n != math.Trunc(n) || n < 100 || n > 999 {
		return fmt.Errorf("invalid status %v", val)
	}
	code := int(n)
	resp.StatusCode = code
	resp.Status = fmt.Sprintf("%d %s", code, http.StatusText(code))
	return nil
}

// rewriteJSONBody sets or deletes the gjson path named by field. Encoded
// or non-JSON bodies are left alone.
func (r *ResponseRewrite) rewriteJSONBody(rc *routectx.Context, resp *http.Response, val any) error {
	if !urlutil.IsJSONResponse(resp) || resp.Header.Get("Content-Encoding") != "" || resp.Body == nil {
		return nil
	}
	if r.operation != OpSet && r.operation != OpDelete {
		return nil
	}

	original := resp.Body
	data, err := io.ReadAll(original)
	original.Close()
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	// the context response may share the drained reader
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if cur := rc.Response(); cur != nil && cur != resp && cur.Body == original {
		cur.Body = io.NopCloser(bytes.NewReader(data))
	}

	if !gjson.ValidBytes(data) {
		return nil
	}

	var out []byte
	if r.operation == OpSet {
		out, err = sjson.SetBytes(data, r.field, val)
	} else {
		out, err = sjson.DeleteBytes(data, r.field)
	}
	if err != nil {
		return fmt.Errorf("json body %s: %w", r.field, err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

// ResponseRewriteMeta runs response rewrites in order.
type ResponseRewriteMeta struct {
	rewrites *entryList[*ResponseRewrite]
}

// NewResponseRewriteMeta is the creator of the responseRewrites meta key.
func NewResponseRewriteMeta(_ *routectx.Context, scope Scope, raw any) (Meta, error) {
	list, err := newEntryList(scope, raw, func(i int, e any) (*ResponseRewrite, error) {
		rw, err := NewResponseRewrite(scope, e)
		if err != nil {
			return nil, fmt.Errorf("responseRewrites[%d]: %w", i, err)
		}
		return rw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("responseRewrites: %w", err)
	}
	return &ResponseRewriteMeta{rewrites: list}, nil
}

func (m *ResponseRewriteMeta) Stage() Stage { return StageResponseRewrite }

func (m *ResponseRewriteMeta) NeedProcess() bool { return !m.rewrites.empty() }

func (m *ResponseRewriteMeta) Process(rc *routectx.Context, in Artifact) (Artifact, error) {
	resp := in.Response
	if resp == nil {
		return in, fmt.Errorf("no response to rewrite")
	}
	rewrites, err := m.rewrites.resolve(rc)
	if err != nil {
		return in, fmt.Errorf("responseRewrites: %w", err)
	}
	for _, rw := range rewrites {
		next, err := rw.Apply(rc, resp)
		if err != nil {
			return in, err
		}
		resp = next
	}
	in.Response = resp
	return in, nil
}
