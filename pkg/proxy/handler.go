package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/cylestio/cylestio-perimeter/pkg/config"
	"github.com/cylestio/cylestio-perimeter/pkg/metrics"
)

// hopByHopHeaders are stripped in both directions per RFC 9110 §7.6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Handler forwards requests to the upstream provider byte-for-byte,
// preserving method, path, credentials and body, and runs the observation
// pipeline around the exchange.
type Handler struct {
	cfg      *config.UpstreamConfig
	pipeline *Pipeline
	client   *http.Client
}

// NewHandler creates a proxy handler.
func NewHandler(cfg *config.UpstreamConfig, pipeline *Pipeline) *Handler {
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		// No client-level timeout: it would cut off long SSE streams. The
		// non-streaming path applies the configured deadline per request.
		client: &http.Client{},
	}
}

// Handle proxies one request. Registered as the catch-all route after the
// API routes.
func (h *Handler) Handle(c *echo.Context) error {
	r := c.Request()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	_ = r.Body.Close()

	reqCtx := h.pipeline.OnRequest(r, body)

	streaming := reqCtx.Inputs != nil && reqCtx.Inputs.IsStreaming
	upstreamReq, cancel, err := h.buildUpstreamRequest(r, body, streaming)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if cancel != nil {
		defer cancel()
	}

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.pipeline.OnResponse(reqCtx, http.StatusBadGateway, nil)
		metrics.UpstreamErrors.WithLabelValues(vendorLabel(reqCtx)).Inc()
		slog.Error("Upstream request failed", "path", r.URL.Path, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "upstream request failed")
	}
	defer resp.Body.Close()

	metrics.ProxiedRequests.WithLabelValues(vendorLabel(reqCtx), statusClass(resp.StatusCode)).Inc()
	if resp.StatusCode >= 400 {
		metrics.UpstreamErrors.WithLabelValues(vendorLabel(reqCtx)).Inc()
	}

	copyHeaders(c.Response().Header(), resp.Header)

	if streaming && resp.StatusCode == http.StatusOK {
		return h.streamResponse(c, resp, reqCtx)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.pipeline.OnResponse(reqCtx, http.StatusBadGateway, nil)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to read upstream response")
	}

	h.pipeline.OnResponse(reqCtx, resp.StatusCode, respBody)

	// Non-2xx upstream responses are surfaced to the client verbatim.
	return c.Blob(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
}

// streamResponse forwards SSE bytes untouched and emits llm.call.finish at
// stream termination.
func (h *Handler) streamResponse(c *echo.Context, resp *http.Response, reqCtx *RequestContext) error {
	c.Response().WriteHeader(resp.StatusCode)

	writer := c.Response()
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				break
			}
			writer.Flush()
		}
		if err != nil {
			break
		}
	}

	// Stream ended: emit the finish event with the full duration. Token
	// counts are unavailable without reassembling the stream.
	h.pipeline.OnResponse(reqCtx, resp.StatusCode, nil)
	return nil
}

// buildUpstreamRequest clones the incoming request against the upstream base
// URL. The non-streaming path carries the configured hard timeout; on expiry
// the transport fails the request and Handle answers 502 Bad Gateway.
func (h *Handler) buildUpstreamRequest(r *http.Request, body []byte, streaming bool) (*http.Request, context.CancelFunc, error) {
	upstreamURL := strings.TrimSuffix(h.cfg.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	ctx := r.Context()
	var cancel context.CancelFunc
	if !streaming && h.cfg.RequestTimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout())
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	copyHeaders(upstreamReq.Header, r.Header)
	// Let the transport negotiate compression so response bodies arrive
	// decoded for parsing.
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = upstreamReq.URL.Host
	return upstreamReq, cancel, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func vendorLabel(ctx *RequestContext) string {
	if ctx != nil && ctx.Adapter != nil {
		return ctx.Adapter.Name()
	}
	return "unknown"
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
