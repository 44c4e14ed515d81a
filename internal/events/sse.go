package events

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ocmt/control-plane/internal/circuitbreaker"
)

// writeSSEHeaders prepares a response for Server-Sent Events streaming.
func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// ServeOwnerStream attaches the request to the owner's live feed and streams
// events until the client disconnects or a write fails. A failed write
// ejects the subscriber; the browser reconnects on its own.
func ServeOwnerStream(w http.ResponseWriter, r *http.Request, bus *Bus, ownerID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	sub := bus.Subscribe(ownerID, TransportSSE)
	defer sub.Close()

	writeSSEHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			frame, err := e.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return nil
			}
			flusher.Flush()

		case <-r.Context().Done():
			return nil
		}
	}
}

// ============================================================================
// CONTAINER STREAM PROXY
// ============================================================================

// ContainerProxy relays a sandbox container's event stream to the browser.
// The browser authenticates with its session cookie only; the proxy speaks
// to the sandbox with a short-lived gateway token minted per connection, so
// the permanent token never reaches the client side.
type ContainerProxy struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *log.Logger
}

func NewContainerProxy(baseURL string, breaker *circuitbreaker.CircuitBreaker) *ContainerProxy {
	return &ContainerProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			// No overall timeout: the stream stays open for as long as the
			// browser does. Only the header phase is bounded.
			Transport: &http.Transport{ResponseHeaderTimeout: 10 * time.Second},
		},
		breaker: breaker,
		logger:  log.New(log.Writer(), "[SSE-PROXY] ", log.LstdFlags),
	}
}

// Stream opens the upstream event feed and pipes it to the client. The
// upstream request shares the client's context, so a browser disconnect
// tears the upstream connection down with it.
func (p *ContainerProxy) Stream(w http.ResponseWriter, r *http.Request, ephemeralToken string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.baseURL+"/sse", nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ephemeralToken)
	req.Header.Set("Accept", "text/event-stream")

	// Only the connect phase runs under the breaker: a long-lived stream is
	// not a failure, a refused or hung connect is.
	res, err := p.breaker.Execute(func() (interface{}, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("sandbox stream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		p.logger.Printf("❌ Upstream connect failed: %v", err)
		return err
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()

	writeSSEHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				p.logger.Printf("⚠️ Upstream stream ended: %v", err)
			}
			return nil
		}
	}
}
