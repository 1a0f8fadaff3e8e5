package wavesock

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingMetrics struct {
	mu       sync.Mutex
	opened   int
	closed   int
	received []Action
	rejected []string
	errs     []string
}

func (m *recordingMetrics) ConnectionOpened(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *recordingMetrics) ConnectionClosed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *recordingMetrics) FrameReceived(_ string, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, action)
}

func (m *recordingMetrics) FrameRejected(_ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}

func (m *recordingMetrics) ChannelJoined(string, string) {}
func (m *recordingMetrics) ChannelLeft(string, string)   {}

func (m *recordingMetrics) Error(component string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, component)
}

func (m *recordingMetrics) rejectedReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rejected...)
}

func TestTokenBucketLimiterAllowsBurstThenDenies(t *testing.T) {
	limiter := NewTokenBucketLimiter(0, 2)

	if !limiter.Allow("c1") || !limiter.Allow("c1") {
		t.Fatal("expected the burst to be allowed")
	}
	if limiter.Allow("c1") {
		t.Error("expected the third frame to be denied")
	}
	if !limiter.Allow("c2") {
		t.Error("expected connections to be limited independently")
	}

	limiter.Forget("c1")
	if !limiter.Allow("c1") {
		t.Error("expected a fresh bucket after forget")
	}
}

func TestGatewayRateLimitedFrameAnswers429(t *testing.T) {
	metrics := &recordingMetrics{}
	options := DefaultOptions()
	options.Hooks = &Hooks{Limiter: NewTokenBucketLimiter(0, 1), Metrics: metrics}
	manager := NewManager(options)
	endpoint := manager.CreateEndpoint("/api", nil)
	endpoint.CreateChannel("/chat/:id", nil)

	server := httptest.NewServer(manager)
	t.Cleanup(func() {
		_ = manager.Close()
		server.Close()
	})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api"

	ws := dialTestGateway(t, url)
	joinChannel(t, ws, "/chat/1")

	// The burst is spent on the join; the next frame is over the limit.
	sendFrame(t, ws, Frame{Action: ActionBroadcast, ChannelName: "/chat/1", Event: "msg", Payload: map[string]interface{}{}})
	reply := readUntil(t, ws, ActionError)
	payload, ok := reply.Payload.(map[string]interface{})
	if !ok || payload["code"] != float64(StatusTooManyRequests) {
		t.Fatalf("expected a 429 error payload, got %+v", reply.Payload)
	}

	if reasons := metrics.rejectedReasons(); len(reasons) != 1 || reasons[0] != "rate_limited" {
		t.Errorf("expected one rate_limited rejection, got %v", reasons)
	}
	metrics.mu.Lock()
	opened, received := metrics.opened, append([]Action(nil), metrics.received...)
	metrics.mu.Unlock()
	if opened != 1 {
		t.Errorf("expected one opened connection, got %d", opened)
	}
	if len(received) != 1 || received[0] != ActionJoinChannel {
		t.Errorf("expected only the join to count as received, got %v", received)
	}
}
