// Package controller wires the Outer HTTP API (§6) to the dispatcher,
// credential pool, and admin surface.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/common/config"
	"github.com/kirobridge/kirobridge/credential"
	"github.com/kirobridge/kirobridge/dispatch"
	"github.com/kirobridge/kirobridge/kiro"
	"github.com/kirobridge/kirobridge/outer"
	"github.com/kirobridge/kirobridge/token"
)

// Deps bundles the shared subsystems the Outer API handlers need.
type Deps struct {
	Pool       *credential.Pool
	Tokens     *token.Manager
	Client     *kiro.Client
	Dispatcher *dispatch.Dispatcher
	Config     *config.Config
	HTTPClient *http.Client
}

// writeError renders an outer.Error as the non-streaming JSON error body.
func writeError(c *gin.Context, kind outer.ErrorType, message string, cause error) {
	e := outer.NewError(kind, message, cause)
	lg := gmw.GetLogger(c)
	lg.Warn("request failed", zap.String("error_type", string(kind)), zap.String("message", message), zap.Error(cause))
	c.JSON(e.StatusCode(), e.Response())
}

// classifyDispatchError maps a dispatcher-returned error to an Outer error
// kind per §7's taxonomy; outer.Error.StatusCode derives the HTTP status
// from the kind.
func classifyDispatchError(err error) outer.ErrorType {
	switch {
	case errors.Is(err, credential.ErrNoHealthyCredential):
		return outer.ErrNoHealthyCredential
	case errors.Is(err, dispatch.ErrBudgetExhausted):
		return outer.ErrOverloaded
	default:
		return outer.ErrAPI
	}
}

// Messages handles POST /v1/messages (§6).
func (d *Deps) Messages(c *gin.Context) {
	var req outer.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, outer.ErrInvalidRequest, "invalid JSON body", err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, outer.ErrInvalidRequest, err.Error(), err)
		return
	}

	innerReq, err := kiro.Build(&req, "")
	if err != nil {
		if errors.Is(err, kiro.ErrUnknownModel) {
			writeError(c, outer.ErrInvalidRequest, err.Error(), err)
			return
		}
		writeError(c, outer.ErrInvalidRequest, err.Error(), err)
		return
	}

	ctx := gmw.Ctx(c)
	if req.IsStreaming() {
		d.streamMessages(c, ctx, innerReq, req.Model)
		return
	}
	d.nonStreamMessages(c, ctx, innerReq, req.Model)
}

// ginSink adapts gin's streaming writer to dispatch.Sink, rendering each
// event as "event: <name>\ndata: <json>\n\n" and flushing immediately
// (§6 "Streaming output").
type ginSink struct {
	w       gin.ResponseWriter
	flusher http.Flusher
	written bool
}

func newGinSink(c *gin.Context) *ginSink {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	return &ginSink{w: c.Writer, flusher: flusher}
}

func (s *ginSink) Emit(ev outer.SSEEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal sse event")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	s.written = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (d *Deps) streamMessages(c *gin.Context, ctx context.Context, innerReq *kiro.Request, outerModel string) {
	lg := gmw.GetLogger(c)
	sink := newGinSink(c)

	_, err := d.Dispatcher.Run(ctx, innerReq, outerModel, sink)
	if err != nil {
		lg.Warn("dispatch failed mid/pre-stream", zap.Error(err))
		// If nothing has been written yet, the caller still wants a JSON
		// error (the dispatcher only forgoes failover once bytes are
		// already on the wire; a pre-stream abort never wrote anything).
		if !sink.wrote() {
			writeError(c, classifyDispatchError(err), err.Error(), err)
			return
		}
		// Bytes are already on the wire: surface a terminal error SSE
		// event per §7 "Mid-stream failures surface as a trailing error
		// SSE event followed by stream close" and let the stream end.
		_ = sink.Emit(outer.SSEEvent{
			Name: outer.EventError,
			Data: outer.ErrorEventPayload{Type: outer.EventError, Error: *outer.NewError(outer.ErrAPI, err.Error(), err)},
		})
	}
}

func (s *ginSink) wrote() bool { return s.written }

func (d *Deps) nonStreamMessages(c *gin.Context, ctx context.Context, innerReq *kiro.Request, outerModel string) {
	sink := &collectingSink{}
	resp, err := d.Dispatcher.Run(ctx, innerReq, outerModel, sink)
	if err != nil {
		writeError(c, classifyDispatchError(err), err.Error(), err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// collectingSink discards SSE framing for the non-streaming path; the
// dispatcher still drives the transducer through the same event loop, but
// the caller only wants the final aggregated document.
type collectingSink struct{}

func (collectingSink) Emit(outer.SSEEvent) error { return nil }

// CountTokens handles POST /v1/messages/count_tokens (§6, §4.6 "Token
// counting path").
func (d *Deps) CountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, outer.ErrInvalidRequest, "failed to read request body", err)
		return
	}

	var req outer.CountTokensRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, outer.ErrInvalidRequest, "invalid JSON body", err)
		return
	}

	if d.Config.CountTokensAPIURL != "" {
		resp, err := d.forwardCountTokens(c.Request.Context(), body)
		if err == nil {
			c.Data(http.StatusOK, "application/json", resp)
			return
		}
		gmw.GetLogger(c).Warn("count_tokens forward failed, falling back to heuristic", zap.Error(err))
	}

	c.JSON(http.StatusOK, outer.CountTokensResponse{InputTokens: outer.EstimateTokens(&req)})
}

// forwardCountTokens proxies the request verbatim to the configured
// external count-tokens endpoint (§4.6 "if a configured external
// count-tokens endpoint is present, forward verbatim").
func (d *Deps) forwardCountTokens(ctx context.Context, body []byte) ([]byte, error) {
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.Config.CountTokensAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Config.CountTokensAPIKey != "" {
		switch d.Config.CountTokensAuthType {
		case config.CountTokensAuthBearer:
			req.Header.Set("Authorization", "Bearer "+d.Config.CountTokensAPIKey)
		default:
			req.Header.Set("x-api-key", d.Config.CountTokensAPIKey)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "count_tokens forward request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read count_tokens forward response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("count_tokens upstream returned %s", resp.Status)
	}
	return data, nil
}
