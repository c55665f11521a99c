package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobridge/kirobridge/credential"
	"github.com/kirobridge/kirobridge/kiro"
	"github.com/kirobridge/kirobridge/outer"
	"github.com/kirobridge/kirobridge/token"
)

// --- minimal binary event-stream frame builder, mirroring kiro/frame.go's
// decode logic so tests can assemble bodies without reaching into kiro's
// internals. ---

func encodeHeaderString(name, value string) []byte {
	buf := make([]byte, 0, 1+len(name)+1+2+len(value))
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, byte(kiro.HeaderString))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
	buf = append(buf, lenBuf...)
	buf = append(buf, value...)
	return buf
}

func encodeFrame(headers [][2]string, payload []byte) []byte {
	var hbuf []byte
	for _, h := range headers {
		hbuf = append(hbuf, encodeHeaderString(h[0], h[1])...)
	}

	totalLen := uint32(8 + 4 + len(hbuf) + len(payload) + 4)
	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(hbuf)))
	preludeCRC := crc32.ChecksumIEEE(prelude)

	var buf bytes.Buffer
	buf.Write(prelude)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, preludeCRC)
	buf.Write(crcBuf)
	buf.Write(hbuf)
	buf.Write(payload)

	frameCRC := crc32.ChecksumIEEE(buf.Bytes())
	binary.BigEndian.PutUint32(crcBuf, frameCRC)
	buf.Write(crcBuf)
	return buf.Bytes()
}

func messageStartFrame() []byte {
	return encodeFrame([][2]string{{":event-type", "messageStartEvent"}}, nil)
}

func textDeltaFrame(content string) []byte {
	return encodeFrame([][2]string{{":event-type", "assistantResponseEvent"}},
		[]byte(`{"content":"`+content+`"}`))
}

func metadataFrame(inputTokens, outputTokens int) []byte {
	return encodeFrame([][2]string{{":event-type", "messageMetadataEvent"}},
		[]byte(`{"inputTokens":`+strconv.Itoa(inputTokens)+`,"outputTokens":`+strconv.Itoa(outputTokens)+`}`))
}

func messageStopFrame() []byte {
	return encodeFrame([][2]string{{":event-type", "messageStopEvent"}}, nil)
}

func concatFrames(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// --- fixtures ---

type sinkCollector struct {
	events []outer.SSEEvent
}

func (s *sinkCollector) Emit(ev outer.SSEEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *sinkCollector) names() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Name
	}
	return out
}

func newTestPool(n int) *credential.Pool {
	future := time.Now().Add(time.Hour)
	entries := make([]*credential.Credential, n)
	for i := range entries {
		entries[i] = &credential.Credential{
			ID:           int64(i + 1),
			RefreshToken: "refresh-token-" + strings.Repeat("x", 100),
			AccessToken:  "valid-access-token",
			ExpiresAt:    &future,
			ProfileArn:   "arn:aws:profile:test",
		}
	}
	return credential.NewPool(entries, true, 3, nil)
}

func newTestDispatcher(pool *credential.Pool, serverURL string) *Dispatcher {
	tokens := token.NewManager(pool, "us-east-1", "1.0.0", "linux", "20", "test-machine", http.DefaultClient)
	client := kiro.NewClient(http.DefaultClient)
	client.SetBaseURLOverride(serverURL)
	return New(pool, tokens, client)
}

func testRequest() *kiro.Request {
	return &kiro.Request{ConversationID: "conv-1", ModelID: "claude-sonnet-4.5", CurrentText: "hi"}
}

// --- tests ---

func TestDispatcher_SucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(concatFrames(
			messageStartFrame(),
			textDeltaFrame("Hello"),
			metadataFrame(3, 1),
			messageStopFrame(),
		))
	}))
	defer server.Close()

	pool := newTestPool(1)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	result, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "Hello", result.Content[0].Text)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	assert.Contains(t, sink.names(), outer.EventMessageStop)

	list := pool.List()
	assert.Equal(t, int64(1), list[0].SuccessCount)
	assert.Equal(t, int64(0), list[0].FailureCount)
}

func TestDispatcher_RetriesSameCredentialOn429ThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(concatFrames(messageStartFrame(), textDeltaFrame("ok"), messageStopFrame()))
	}))
	defer server.Close()

	pool := newTestPool(1)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	result, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	list := pool.List()
	assert.Equal(t, int64(1), list[0].SuccessCount)
}

func TestDispatcher_FailsOverAfterCredentialBudgetExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= perCredentialBudget {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(concatFrames(messageStartFrame(), textDeltaFrame("ok"), messageStopFrame()))
	}))
	defer server.Close()

	pool := newTestPool(2)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	result, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int32(perCredentialBudget+1), atomic.LoadInt32(&calls))

	list := pool.List()
	// Every exhausted attempt records its own failure (spec.md §8 Scenario
	// 4: "A.failureCount += 3"), not just the one that trips failover.
	assert.Equal(t, int64(3), list[0].FailureCount)
	assert.Equal(t, int64(1), list[1].SuccessCount)
}

// TestDispatcher_GlobalBudgetBoundsTotalUpstreamAttempts covers L1: total
// upstream attempts <= 9, counted per attempt rather than per credential
// selection. With 5 credentials all returning 5xx and a per-credential
// budget of 3, the loop must stop at exactly 9 HTTP calls instead of
// continuing to burn through every credential's full budget.
func TestDispatcher_GlobalBudgetBoundsTotalUpstreamAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	pool := newTestPool(5)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	_, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, int32(globalBudget), atomic.LoadInt32(&calls))
}

func TestDispatcher_AbortsWhenNoHealthyCredentialRemains(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	pool := newTestPool(1)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	_, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.Error(t, err)
}

func TestDispatcher_NoResumeOnceBytesAreWritten(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		body := concatFrames(messageStartFrame(), textDeltaFrame("partial"))
		body = append(body, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF}...)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	pool := newTestPool(2)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	_, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.Error(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a second credential must never be tried once bytes reached the sink")
	assert.Contains(t, sink.names(), outer.EventContentBlockDelta)
	assert.NotContains(t, sink.names(), outer.EventMessageStop)
}

func TestDispatcher_QuotaExhaustedDisablesImmediatelyAndFailsOver(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"reason":"MONTHLY_REQUEST_COUNT"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(concatFrames(messageStartFrame(), textDeltaFrame("ok"), messageStopFrame()))
	}))
	defer server.Close()

	pool := newTestPool(2)
	d := newTestDispatcher(pool, server.URL)
	sink := &sinkCollector{}

	result, err := d.Run(context.Background(), testRequest(), "claude-sonnet-4-5", sink)
	require.NoError(t, err)
	require.NotNil(t, result)

	list := pool.List()
	assert.True(t, list[0].Disabled)
	assert.Equal(t, credential.DisabledReasonQuotaExceeded, list[0].DisabledReason)
	// A single 402 must disable outright, never count toward the
	// tooManyFailures budget.
	assert.Equal(t, int64(3), list[0].FailureCount)
}
