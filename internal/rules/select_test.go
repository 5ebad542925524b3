package rules

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func portPtr(p uint16) *uint16   { return &p }
func strPtr(s string) *string    { return &s }
func codePtr(c int) *int         { return &c }

func TestSelectRequestWildcardMatchesEverything(t *testing.T) {
	req := &http.Request{Method: "GET", URL: &url.URL{Path: "/"}, Header: http.Header{}}
	assert.True(t, SelectRequest(8080, req, Selector{}))
}

func TestSelectRequestPortMismatch(t *testing.T) {
	req := &http.Request{Method: "GET", URL: &url.URL{Path: "/"}, Header: http.Header{}}
	sel := Selector{Port: portPtr(9090)}
	assert.False(t, SelectRequest(8080, req, sel))
}

func TestSelectRequestPathAndMethod(t *testing.T) {
	pm, err := NewPathMatcher("/api/*")
	require.NoError(t, err)
	req := &http.Request{Method: "POST", URL: &url.URL{Path: "/api/widgets"}, Header: http.Header{}}

	sel := Selector{Path: pm, Method: strPtr("post")}
	assert.True(t, SelectRequest(80, req, sel), "method match should be case-insensitive")

	sel.Method = strPtr("get")
	assert.False(t, SelectRequest(80, req, sel))
}

func TestSelectRequestHeadersMustAllMatch(t *testing.T) {
	req := &http.Request{Method: "GET", URL: &url.URL{Path: "/"}, Header: http.Header{
		"X-A": []string{"1"},
		"X-B": []string{"2"},
	}}
	sel := Selector{RequestHeaders: map[string]string{"X-A": "1", "X-B": "2"}}
	assert.True(t, SelectRequest(80, req, sel))

	sel.RequestHeaders["X-B"] = "wrong"
	assert.False(t, SelectRequest(80, req, sel))
}

func TestSelectResponseRechecksRequestContext(t *testing.T) {
	reqCtx := RequestContext{
		Port:    80,
		Path:    "/widgets",
		Method:  "GET",
		Headers: http.Header{"X-A": []string{"1"}},
	}
	resp := &http.Response{StatusCode: 500, Header: http.Header{"X-Err": []string{"boom"}}}

	sel := Selector{
		Code:            codePtr(500),
		RequestHeaders:  map[string]string{"X-A": "1"},
		ResponseHeaders: map[string]string{"X-Err": "boom"},
	}
	assert.True(t, SelectResponse(reqCtx, resp, sel))

	sel.Code = codePtr(200)
	assert.False(t, SelectResponse(reqCtx, resp, sel))
}

func TestHeadersMatchMultiValue(t *testing.T) {
	got := http.Header{"X-Tag": []string{"a", "b"}}
	assert.True(t, headersMatch(map[string]string{"X-Tag": "b"}, got))
	assert.False(t, headersMatch(map[string]string{"X-Tag": "c"}, got))
}
