package rules

import (
	"net/http"
	"strings"
)

// SelectRequest reports whether req, received on port, matches sel. Every
// present field of sel is an AND constraint; absent fields are wildcards.
func SelectRequest(port uint16, req *http.Request, sel Selector) bool {
	if sel.Port != nil && *sel.Port != port {
		return false
	}
	if sel.Path != nil && !sel.Path.Matches(req.URL.Path) {
		return false
	}
	if sel.Method != nil && !strings.EqualFold(*sel.Method, req.Method) {
		return false
	}
	if !headersMatch(sel.RequestHeaders, req.Header) {
		return false
	}
	return true
}

// SelectResponse reports whether resp matches sel, re-checking the request
// metadata captured before forwarding (reqCtx) alongside the response's own
// status and headers.
func SelectResponse(reqCtx RequestContext, resp *http.Response, sel Selector) bool {
	if sel.Port != nil && *sel.Port != reqCtx.Port {
		return false
	}
	if sel.Path != nil && !sel.Path.Matches(reqCtx.Path) {
		return false
	}
	if sel.Method != nil && !strings.EqualFold(*sel.Method, reqCtx.Method) {
		return false
	}
	if sel.Code != nil && *sel.Code != resp.StatusCode {
		return false
	}
	if !headersMatch(sel.RequestHeaders, reqCtx.Headers) {
		return false
	}
	if !headersMatch(sel.ResponseHeaders, resp.Header) {
		return false
	}
	return true
}

// headersMatch reports whether every (name, value) pair in want has at
// least one matching occurrence in got. Header names are matched
// case-insensitively (http.Header already canonicalizes them); values
// compare bytewise.
func headersMatch(want map[string]string, got http.Header) bool {
	for name, value := range want {
		found := false
		for _, v := range got.Values(name) {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
