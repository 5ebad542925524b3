// Package config translates the wire-level JSON configuration document
// accepted over the control channel into the typed RuntimeConfig the rest
// of the proxy operates on: compiled glob matchers, parsed methods and
// status codes, parsed durations, and a freshly chosen internal listen
// port that avoids every port already claimed for chaos injection.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/internal/rules"
	"github.com/cuemby/tproxy/internal/tlsmaterial"
)

// RawConfig is the JSON document accepted over the control channel and
// read from the config file named on the command line.
type RawConfig struct {
	ProxyPorts []uint16  `json:"proxy_ports" yaml:"proxy_ports"`
	SafeMode   bool      `json:"safe_mode" yaml:"safe_mode"`
	Interface  string    `json:"interface,omitempty" yaml:"interface,omitempty"`
	Rules      []RawRule `json:"rules" yaml:"rules"`
	TLS        *RawTLS   `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// RawTLS is the wire form of TLSMaterial (spec §3): a base64-encoded PEM
// server certificate chain and RSA key, plus an optional base64-encoded PEM
// bundle of client trust roots for mutual TLS.
type RawTLS struct {
	CertPEMBase64      string `json:"cert_pem_base64" yaml:"cert_pem_base64"`
	KeyPEMBase64       string `json:"key_pem_base64" yaml:"key_pem_base64"`
	ClientCAsPEMBase64 string `json:"client_cas_pem_base64,omitempty" yaml:"client_cas_pem_base64,omitempty"`
	RequireClientCert  bool   `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
}

type RawTarget string

const (
	RawTargetRequest  RawTarget = "Request"
	RawTargetResponse RawTarget = "Response"
)

type RawRule struct {
	Target   RawTarget   `json:"target" yaml:"target"`
	Selector RawSelector `json:"selector" yaml:"selector"`
	Actions  RawActions  `json:"actions" yaml:"actions"`
}

type RawSelector struct {
	Port            *uint16           `json:"port,omitempty" yaml:"port,omitempty"`
	Path            *string           `json:"path,omitempty" yaml:"path,omitempty"`
	Method          *string           `json:"method,omitempty" yaml:"method,omitempty"`
	Code            *int              `json:"code,omitempty" yaml:"code,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty" yaml:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty" yaml:"response_headers,omitempty"`
}

type RawActions struct {
	Abort   bool              `json:"abort,omitempty" yaml:"abort,omitempty"`
	Delay   string            `json:"delay,omitempty" yaml:"delay,omitempty"`
	Replace *RawReplaceAction `json:"replace,omitempty" yaml:"replace,omitempty"`
	Patch   *RawPatchAction   `json:"patch,omitempty" yaml:"patch,omitempty"`
}

type RawReplaceAction struct {
	Path    *string           `json:"path,omitempty" yaml:"path,omitempty"`
	Method  *string           `json:"method,omitempty" yaml:"method,omitempty"`
	Body    []byte            `json:"body,omitempty" yaml:"body,omitempty"`
	Code    *int              `json:"code,omitempty" yaml:"code,omitempty"`
	Queries map[string]string `json:"queries,omitempty" yaml:"queries,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type RawPatchAction struct {
	Body    *RawPatchBody `json:"body,omitempty" yaml:"body,omitempty"`
	Queries [][2]string   `json:"queries,omitempty" yaml:"queries,omitempty"`
	Headers [][2]string   `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// RawPatchBody mirrors the tagged union the wire format uses: today only
// the JSON merge-patch kind exists, and Value is itself a JSON document
// encoded as a string (not an inline mapping), matching how the merge
// patch body has always been carried on the wire.
type RawPatchBody struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// RuntimeConfig is what the data-plane actually runs: a compiled rule set,
// the chosen internal listen port, and the fabric-facing fields carried
// through unchanged from RawConfig.
type RuntimeConfig struct {
	ProxyPorts []uint16
	ListenPort uint16
	SafeMode   bool
	Interface  string
	Rules      rules.RuleSet
	TLS        *tlsmaterial.Material
}

// Translate converts raw into a RuntimeConfig, compiling every selector's
// path glob and resolving a free internal listen port.
func Translate(raw RawConfig) (RuntimeConfig, error) {
	listenPort, err := FreePort(raw.ProxyPorts)
	if err != nil {
		return RuntimeConfig{}, err
	}

	ruleSet := make(rules.RuleSet, 0, len(raw.Rules))
	for i, rr := range raw.Rules {
		rule, err := translateRule(rr)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%w: rule %d: %w", errs.Config, i, err)
		}
		ruleSet = append(ruleSet, rule)
	}

	tlsMat, err := translateTLS(raw.TLS)
	if err != nil {
		return RuntimeConfig{}, err
	}

	return RuntimeConfig{
		ProxyPorts: raw.ProxyPorts,
		ListenPort: listenPort,
		SafeMode:   raw.SafeMode,
		Interface:  raw.Interface,
		Rules:      ruleSet,
		TLS:        tlsMat,
	}, nil
}

// translateTLS decodes the base64 PEM fields of raw into a
// tlsmaterial.Material, or returns nil if raw is nil (HTTPS termination is
// optional; spec §3 TLSMaterial).
func translateTLS(raw *RawTLS) (*tlsmaterial.Material, error) {
	if raw == nil {
		return nil, nil
	}
	cert, err := base64.StdEncoding.DecodeString(raw.CertPEMBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tls cert_pem_base64: %w", errs.Config, err)
	}
	key, err := base64.StdEncoding.DecodeString(raw.KeyPEMBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tls key_pem_base64: %w", errs.Config, err)
	}
	var clientCAs []byte
	if raw.ClientCAsPEMBase64 != "" {
		clientCAs, err = base64.StdEncoding.DecodeString(raw.ClientCAsPEMBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode tls client_cas_pem_base64: %w", errs.Config, err)
		}
	}
	return &tlsmaterial.Material{
		CertPEM:       cert,
		KeyPEM:        key,
		ClientCAsPEM:  clientCAs,
		RequireClient: raw.RequireClientCert,
	}, nil
}

// FreePort scans 1025..65535 for the first port not present in excluded,
// the set of ports already claimed as chaos-injection targets.
func FreePort(excluded []uint16) (uint16, error) {
	taken := make(map[uint16]struct{}, len(excluded))
	for _, p := range excluded {
		taken[p] = struct{}{}
	}
	for port := 1025; port < 65535; port++ {
		if _, ok := taken[uint16(port)]; !ok {
			return uint16(port), nil
		}
	}
	return 0, fmt.Errorf("%w: never apply all ports in 1025-65535 to be proxy ports", errs.Config)
}

func translateRule(rr RawRule) (rules.Rule, error) {
	var target rules.Target
	switch rr.Target {
	case RawTargetRequest:
		target = rules.TargetRequest
	case RawTargetResponse:
		target = rules.TargetResponse
	default:
		return rules.Rule{}, fmt.Errorf("unknown target %q", rr.Target)
	}

	sel, err := translateSelector(rr.Selector)
	if err != nil {
		return rules.Rule{}, err
	}

	acts, err := translateActions(rr.Actions)
	if err != nil {
		return rules.Rule{}, err
	}

	return rules.Rule{Target: target, Selector: sel, Actions: acts}, nil
}

func translateSelector(rs RawSelector) (rules.Selector, error) {
	sel := rules.Selector{
		Port:            rs.Port,
		Method:          rs.Method,
		Code:            rs.Code,
		RequestHeaders:  rs.RequestHeaders,
		ResponseHeaders: rs.ResponseHeaders,
	}
	if rs.Path != nil {
		m, err := rules.NewPathMatcher(*rs.Path)
		if err != nil {
			return rules.Selector{}, fmt.Errorf("path pattern %q: %w", *rs.Path, err)
		}
		sel.Path = m
	}
	return sel, nil
}

func translateActions(ra RawActions) (rules.Actions, error) {
	acts := rules.Actions{Abort: ra.Abort}

	if ra.Delay != "" {
		d, err := time.ParseDuration(ra.Delay)
		if err != nil {
			return rules.Actions{}, fmt.Errorf("delay %q: %w", ra.Delay, err)
		}
		acts.Delay = &d
	}

	if ra.Replace != nil {
		acts.Replace = &rules.ReplaceAction{
			Path:    ra.Replace.Path,
			Method:  ra.Replace.Method,
			Body:    ra.Replace.Body,
			Code:    ra.Replace.Code,
			Queries: ra.Replace.Queries,
			Headers: ra.Replace.Headers,
		}
	}

	if ra.Patch != nil {
		patch := &rules.PatchAction{
			Queries: ra.Patch.Queries,
			Headers: ra.Patch.Headers,
		}
		if ra.Patch.Body != nil {
			if ra.Patch.Body.Type != "JSON" {
				return rules.Actions{}, fmt.Errorf("unsupported patch body type %q", ra.Patch.Body.Type)
			}
			if !json.Valid([]byte(ra.Patch.Body.Value)) {
				return rules.Actions{}, fmt.Errorf("patch body is not valid JSON")
			}
			patch.Body = &rules.PatchBody{Kind: rules.PatchBodyJSON, JSON: []byte(ra.Patch.Body.Value)}
		}
		acts.Patch = patch
	}

	return acts, nil
}
