package rules

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// ApplyRequestActions runs acts against req in the fixed order required by
// the engine: abort, delay, replace (path, method, body, queries, headers),
// patch (queries, headers, body). An abort short-circuits before the delay
// runs — an abort with a delay should not waste time sleeping.
func ApplyRequestActions(req *http.Request, acts Actions) error {
	if acts.Abort {
		metrics.ActionsAppliedTotal.WithLabelValues("abort", string(TargetRequest)).Inc()
		return errs.Abort
	}
	if acts.Delay != nil {
		metrics.ActionsAppliedTotal.WithLabelValues("delay", string(TargetRequest)).Inc()
	}
	sleep(acts.Delay)

	if r := acts.Replace; r != nil {
		metrics.ActionsAppliedTotal.WithLabelValues("replace", string(TargetRequest)).Inc()
		if err := replacePath(req.URL, r.Path); err != nil {
			return err
		}
		if r.Method != nil {
			req.Method = *r.Method
		}
		if r.Body != nil {
			setBody(req, r.Body)
		}
		if err := replaceQueries(req.URL, r.Queries); err != nil {
			return err
		}
		for k, v := range r.Headers {
			req.Header.Set(k, v)
		}
	}

	if p := acts.Patch; p != nil {
		metrics.ActionsAppliedTotal.WithLabelValues("patch", string(TargetRequest)).Inc()
		if err := appendQueries(req.URL, p.Queries); err != nil {
			return err
		}
		for _, kv := range p.Headers {
			req.Header.Add(kv[0], kv[1])
		}
		if p.Body != nil {
			data, err := readBody(req.Body)
			if err != nil {
				return err
			}
			merged, err := patchJSON(data, p.Body)
			if err != nil {
				return err
			}
			setBody(req, merged)
		}
	}
	return nil
}

// ApplyResponseActions mirrors ApplyRequestActions for the response
// direction: replace sub-order is code, body, headers; patch sub-order is
// headers, body (responses have no path/method/queries to rewrite).
func ApplyResponseActions(resp *http.Response, acts Actions) error {
	if acts.Abort {
		metrics.ActionsAppliedTotal.WithLabelValues("abort", string(TargetResponse)).Inc()
		return errs.Abort
	}
	if acts.Delay != nil {
		metrics.ActionsAppliedTotal.WithLabelValues("delay", string(TargetResponse)).Inc()
	}
	sleep(acts.Delay)

	if r := acts.Replace; r != nil {
		metrics.ActionsAppliedTotal.WithLabelValues("replace", string(TargetResponse)).Inc()
		if r.Code != nil {
			resp.StatusCode = *r.Code
			resp.Status = fmt.Sprintf("%d %s", *r.Code, http.StatusText(*r.Code))
		}
		if r.Body != nil {
			setRespBody(resp, r.Body)
		}
		for k, v := range r.Headers {
			resp.Header.Set(k, v)
		}
	}

	if p := acts.Patch; p != nil {
		metrics.ActionsAppliedTotal.WithLabelValues("patch", string(TargetResponse)).Inc()
		for _, kv := range p.Headers {
			resp.Header.Add(kv[0], kv[1])
		}
		if p.Body != nil {
			data, err := readBody(resp.Body)
			if err != nil {
				return err
			}
			merged, err := patchJSON(data, p.Body)
			if err != nil {
				return err
			}
			setRespBody(resp, merged)
		}
	}
	return nil
}

func sleep(d *time.Duration) {
	if d != nil && *d > 0 {
		time.Sleep(*d)
	}
}

func readBody(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()
	return io.ReadAll(body)
}

// setBody installs data as req's body and removes any stale Content-Length
// header: the transport recomputes it from req.ContentLength when the
// request is written out.
func setBody(req *http.Request, data []byte) {
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	req.Header.Del("Content-Length")
}

func setRespBody(resp *http.Response, data []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.Header.Del("Content-Length")
}

// patchJSON applies an RFC 7396 JSON merge patch to data.
func patchJSON(data []byte, body *PatchBody) ([]byte, error) {
	if body.Kind != PatchBodyJSON {
		return nil, fmt.Errorf("%w: unsupported patch body kind %q", errs.Config, body.Kind)
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	merged, err := jsonpatch.MergePatch(data, body.JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: json merge patch: %w", errs.Internal, err)
	}
	return merged, nil
}

// replacePath overwrites the URI path, leaving any existing query string in
// place. An empty replacement path is treated as "/".
func replacePath(u *url.URL, path *string) error {
	if path == nil {
		return nil
	}
	p := *path
	if p == "" {
		p = "/"
	}
	u.Path = p
	u.RawPath = ""
	return nil
}

// replaceQueries parses the existing query as a map, overlays the provided
// map, and re-serializes. Keys are emitted in sorted order for determinism.
func replaceQueries(u *url.URL, overlay map[string]string) error {
	if overlay == nil {
		return nil
	}
	existing := u.Query()
	merged := make(map[string]string, len(existing)+len(overlay))
	for k, vs := range existing {
		if len(vs) > 0 {
			merged[k] = vs[len(vs)-1]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	if len(merged) == 0 {
		u.RawQuery = ""
		return nil
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(merged[k]))
	}
	u.RawQuery = b.String()
	return nil
}

// appendQueries appends queries (preserving insertion order and any
// duplicate keys) to the existing query string. A nil or empty queries list
// is the identity operation.
func appendQueries(u *url.URL, queries [][2]string) error {
	if len(queries) == 0 {
		return nil
	}
	var b strings.Builder
	for i, kv := range queries {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	if u.RawQuery == "" {
		u.RawQuery = b.String()
	} else {
		u.RawQuery = u.RawQuery + "&" + b.String()
	}
	return nil
}
