package rules

import (
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/cuemby/tproxy/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReq(t *testing.T, rawurl, body string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	req := &http.Request{Method: "GET", URL: u, Header: http.Header{}}
	if body != "" {
		req.Body = io.NopCloser(newReader(body))
	}
	return req
}

type stringReader struct {
	s string
	i int
}

func newReader(s string) io.Reader { return &stringReader{s: s} }

func (r *stringReader) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}

func TestApplyRequestActionsAbortShortCircuitsBeforeDelay(t *testing.T) {
	d := 100 * time.Millisecond
	req := newReq(t, "/path", "")
	start := time.Now()
	err := ApplyRequestActions(req, Actions{Abort: true, Delay: &d})
	assert.Less(t, time.Since(start), 50*time.Millisecond, "abort must not wait for the delay")
	assert.ErrorIs(t, err, errs.Abort)
}

func TestApplyRequestActionsReplaceOrder(t *testing.T) {
	req := newReq(t, "/old?x=1", "")
	newPath := "/new"
	newMethod := "POST"
	body := []byte(`{"a":1}`)
	req.Header.Set("Content-Length", "999")

	acts := Actions{
		Replace: &ReplaceAction{
			Path:    &newPath,
			Method:  &newMethod,
			Body:    body,
			Queries: map[string]string{"y": "2"},
			Headers: map[string]string{"X-New": "v"},
		},
	}
	require.NoError(t, ApplyRequestActions(req, acts))

	assert.Equal(t, "/new", req.URL.Path)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "x=1&y=2", req.URL.RawQuery)
	assert.Equal(t, "v", req.Header.Get("X-New"))
	assert.Empty(t, req.Header.Get("Content-Length"), "replacing the body must drop the stale Content-Length")

	got, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestApplyRequestActionsReplaceEmptyPathBecomesRoot(t *testing.T) {
	req := newReq(t, "/old", "")
	empty := ""
	require.NoError(t, ApplyRequestActions(req, Actions{Replace: &ReplaceAction{Path: &empty}}))
	assert.Equal(t, "/", req.URL.Path)
}

func TestApplyRequestActionsPatchAppendsQueriesAndHeaders(t *testing.T) {
	req := newReq(t, "/p?a=1", "")
	req.Header.Add("X-Existing", "v1")

	acts := Actions{
		Patch: &PatchAction{
			Queries: [][2]string{{"b", "2"}},
			Headers: [][2]string{{"X-Existing", "v2"}},
		},
	}
	require.NoError(t, ApplyRequestActions(req, acts))
	assert.Equal(t, "a=1&b=2", req.URL.RawQuery)
	assert.Equal(t, []string{"v1", "v2"}, req.Header.Values("X-Existing"))
}

func TestApplyRequestActionsPatchJSONMergeRemovesNullFields(t *testing.T) {
	req := newReq(t, "/p", "")
	req.Body = io.NopCloser(newReader(`{"a":1,"b":2}`))

	acts := Actions{Patch: &PatchAction{Body: &PatchBody{Kind: PatchBodyJSON, JSON: []byte(`{"b":null,"c":3}`)}}}
	require.NoError(t, ApplyRequestActions(req, acts))

	got, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"c":3}`, string(got))
	assert.Empty(t, req.Header.Get("Content-Length"))
}

func TestApplyRequestActionsUnsupportedPatchBodyKind(t *testing.T) {
	req := newReq(t, "/p", "")
	req.Body = io.NopCloser(newReader(`{}`))
	acts := Actions{Patch: &PatchAction{Body: &PatchBody{Kind: "XML"}}}
	err := ApplyRequestActions(req, acts)
	assert.ErrorIs(t, err, errs.Config)
}

func TestApplyResponseActionsReplaceCodeAndBody(t *testing.T) {
	resp := &http.Response{StatusCode: 200, Header: http.Header{}}
	resp.Header.Set("Content-Length", "2")
	code := 503
	body := []byte("unavailable")
	require.NoError(t, ApplyResponseActions(resp, Actions{Replace: &ReplaceAction{Code: &code, Body: body}}))

	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, http.StatusText(503), resp.Status[len("503 "):])
	assert.Empty(t, resp.Header.Get("Content-Length"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestApplyResponseActionsAbort(t *testing.T) {
	resp := &http.Response{StatusCode: 200, Header: http.Header{}}
	err := ApplyResponseActions(resp, Actions{Abort: true})
	assert.ErrorIs(t, err, errs.Abort)
}
