package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WrapHTTPClient returns an http.Client that reroutes requests to
// registered hosts through the control plane's resource relay. Requests
// to any other host travel the wrapped transport untouched, so existing
// agent code keeps working with one change at construction.
//
//	relayed := sdk.WrapHTTPClient(client, map[string]string{
//	    "api.github.com": githubResourceID,
//	}, nil)
//	// Plain HTTP code from here on; the credential never leaves the relay.
//	resp, err := relayed.Get("https://api.github.com/repos/acme/widget/issues")
//
// A relay refusal (no grant, or a scope miss) comes back as a normal HTTP
// response carrying the control plane's status and error envelope, not as
// a transport error.
func WrapHTTPClient(client *Client, resources map[string]string, wrapped *http.Client) *http.Client {
	if wrapped == nil {
		wrapped = &http.Client{Timeout: client.config.Timeout}
	}
	hosts := make(map[string]string, len(resources))
	for host, id := range resources {
		hosts[strings.ToLower(host)] = id
	}
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &relayTransport{
			client:    client,
			resources: hosts,
			wrapped:   wrapped.Transport,
		},
	}
}

type relayTransport struct {
	client    *Client
	resources map[string]string
	wrapped   http.RoundTripper
}

func (t *relayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resourceID, ok := t.resources[strings.ToLower(req.URL.Host)]
	if !ok {
		transport := t.wrapped
		if transport == nil {
			transport = http.DefaultTransport
		}
		return transport.RoundTrip(req)
	}

	start := time.Now()

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("ocmt-sdk: failed to read request body: %w", err)
		}
		body = b
	}

	// The relay injects the owner's credential upstream; a caller-set
	// Authorization header never travels.
	headers := req.Header.Clone()
	headers.Del("Authorization")

	result, err := t.client.CallResource(req.Context(), resourceID, ResourceCall{
		Method:  req.Method,
		Path:    req.URL.Path,
		Query:   req.URL.RawQuery,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return refusalResponse(req, apiErr), nil
		}
		return nil, err
	}

	slog.Info("[OCMT]", "resource", resourceID, "method", req.Method, "path", req.URL.Path, "status_code", result.Status, "sincestart", time.Since(start))

	header := result.Headers
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Ocmt-Relayed", "true")
	header.Set("X-Ocmt-Duration-Ms", strconv.FormatInt(result.DurationMs, 10))
	if result.Truncated {
		header.Set("X-Ocmt-Body-Truncated", "true")
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", result.Status, http.StatusText(result.Status)),
		StatusCode:    result.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(result.Body)),
		ContentLength: int64(len(result.Body)),
		Request:       req,
	}, nil
}

// refusalResponse turns a control plane refusal into a plain HTTP answer
// so callers see a status code instead of a transport failure.
func refusalResponse(req *http.Request, apiErr *APIError) *http.Response {
	payload, _ := json.Marshal(apiErr)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Ocmt-Error-Code", apiErr.Code)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", apiErr.StatusCode, http.StatusText(apiErr.StatusCode)),
		StatusCode:    apiErr.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
		Request:       req,
	}
}
