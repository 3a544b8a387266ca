package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codor/internal/domain"
)

const maxBody = 1 << 20

// HTTPStatusError is returned when the response status is not expected.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("HTTP %s %s returned %s", e.Method, e.URL, e.Status)
	if b := strings.TrimSpace(e.Body); b != "" {
		msg += ": " + truncate(b, 300)
	}
	return msg
}

// HTTP runs HTTP_REQUEST actions.
//
// Parameters: url (required), method (GET), headers, query, body (string or
// JSON value), expectedStatus (int or list; default any 2xx/3xx),
// followRedirects (true), auth {type: bearer|basic|jwt, ...}.
type HTTP struct {
	Client *http.Client
	Now    func() time.Time
}

func NewHTTP() *HTTP { return &HTTP{Client: &http.Client{}, Now: time.Now} }

func (h *HTTP) Name() string          { return "http-executor" }
func (h *HTTP) Version() string       { return "1.0.0" }
func (h *HTTP) ActionTypes() []string { return []string{domain.ActionHTTPRequest} }

func (h *HTTP) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	req, err := h.buildRequest(ctx, p)
	if err != nil {
		return nil, err
	}
	expected, err := p.intList("expectedStatus")
	if err != nil {
		return nil, err
	}
	follow, err := p.boolean("followRedirects", true)
	if err != nil {
		return nil, err
	}

	client := h.client(follow)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP %s %s failed: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	elapsed := time.Since(start)

	out := map[string]any{
		"url":         req.URL.Redacted(),
		"method":      req.Method,
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"headers":     flattenHeaders(resp.Header),
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(body),
		"elapsedMs":   elapsed.Milliseconds(),
	}
	if isJSON(resp.Header.Get("Content-Type")) && len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var parsed any
		if dec.Decode(&parsed) == nil {
			out["json"] = parsed
		}
	}
	if !statusExpected(resp.StatusCode, expected) {
		return out, &HTTPStatusError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return out, nil
}

func (h *HTTP) client(follow bool) *http.Client {
	base := h.Client
	if base == nil {
		base = &http.Client{}
	}
	if follow {
		return base
	}
	c := *base
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

func (h *HTTP) buildRequest(ctx context.Context, p params) (*http.Request, error) {
	rawURL, err := p.requireString("url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ParamError{Param: "url", Reason: fmt.Sprintf("not an absolute URL: %q", rawURL)}
	}
	query, err := p.stringMap("query")
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	method, err := p.str("method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	headers, err := p.stringMap("headers")
	if err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := ""
	switch b := p["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		enc, err := json.Marshal(b)
		if err != nil {
			return nil, &ParamError{Param: "body", Reason: err.Error()}
		}
		body = bytes.NewReader(enc)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := h.applyAuth(req, p); err != nil {
		return nil, err
	}
	return req, nil
}

func (h *HTTP) applyAuth(req *http.Request, p params) error {
	raw, ok := p["auth"]
	if !ok || raw == nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return &ParamError{Param: "auth", Reason: "expected object"}
	}
	auth := params(m)
	kind, err := auth.str("type", "bearer")
	if err != nil {
		return err
	}
	switch strings.ToLower(kind) {
	case "bearer":
		token, err := auth.requireString("token")
		if err != nil {
			return &ParamError{Param: "auth.token", Reason: "required"}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		user, _ := auth.str("username", "")
		pass, _ := auth.str("password", "")
		req.SetBasicAuth(user, pass)
	case "jwt":
		token, err := h.signJWT(auth)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return &ParamError{Param: "auth.type", Reason: fmt.Sprintf("unsupported %q", kind)}
	}
	return nil
}

// signJWT mints an HS256 token from auth.secret, auth.subject, auth.issuer,
// auth.audience, auth.ttlSeconds and extra auth.claims.
func (h *HTTP) signJWT(auth params) (string, error) {
	secret, err := auth.requireString("secret")
	if err != nil {
		return "", &ParamError{Param: "auth.secret", Reason: "required"}
	}
	ttl, err := auth.integer("ttlSeconds", 300)
	if err != nil {
		return "", err
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	issued := now()
	claims := jwt.MapClaims{
		"iat": issued.Unix(),
		"exp": issued.Add(time.Duration(ttl) * time.Second).Unix(),
	}
	for _, c := range [][2]string{{"subject", "sub"}, {"issuer", "iss"}, {"audience", "aud"}} {
		v, err := auth.str(c[0], "")
		if err != nil {
			return "", err
		}
		if v != "" {
			claims[c[1]] = v
		}
	}
	if extra, ok := auth["claims"].(map[string]any); ok {
		for k, v := range extra {
			claims[k] = v
		}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func statusExpected(code int, expected []int64) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 400
	}
	for _, e := range expected {
		if int64(code) == e {
			return true
		}
	}
	return false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
