package wavesock

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestGateway(t *testing.T) (*Endpoint, *Lobby, string) {
	t.Helper()
	manager := NewManager(nil)
	endpoint := manager.CreateEndpoint("/api", nil)
	lobby := endpoint.CreateChannel("/chat/:id", nil)

	server := httptest.NewServer(manager)
	t.Cleanup(func() {
		_ = manager.Close()
		server.Close()
	})
	return endpoint, lobby, "ws" + strings.TrimPrefix(server.URL, "http") + "/api"
}

func dialTestGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	// Every connection is greeted with a CONNECT frame.
	greeting := readFrame(t, ws)
	if greeting.Action != ActionConnect {
		t.Fatalf("expected a CONNECT greeting, got %+v", greeting)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unparseable frame: %v", err)
	}
	return frame
}

func readUntil(t *testing.T, ws *websocket.Conn, action Action) Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, ws)
		if frame.Action == action {
			return frame
		}
	}
	t.Fatal("never received the expected action")
	return Frame{}
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func joinChannel(t *testing.T, ws *websocket.Conn, channelName string) {
	t.Helper()
	sendFrame(t, ws, Frame{Action: ActionJoinChannel, ChannelName: channelName, Payload: map[string]interface{}{}})
	ack := readFrame(t, ws)
	if ack.Action != ActionSystem || ack.Event != EventAcknowledge {
		t.Fatalf("expected ACKNOWLEDGE, got %+v", ack)
	}
}

func TestGatewayJoinWithoutHandlerAutoAccepts(t *testing.T) {
	_, lobby, url := newTestGateway(t)
	ws := dialTestGateway(t, url)

	joinChannel(t, ws, "/chat/1")

	channel, err := lobby.GetChannel("/chat/1")
	if err != nil {
		t.Fatalf("expected the channel to exist: %v", err)
	}
	if channel.Len() != 1 {
		t.Errorf("expected one member, got %d", channel.Len())
	}
}

func TestGatewayBroadcastReachesAllMembers(t *testing.T) {
	_, lobby, url := newTestGateway(t)
	lobby.OnEvent("msg", func(ctx *EventContext) error { return ctx.Accept() })

	alice := dialTestGateway(t, url)
	bob := dialTestGateway(t, url)
	joinChannel(t, alice, "/chat/1")
	joinChannel(t, bob, "/chat/1")

	sendFrame(t, alice, Frame{
		Action:      ActionBroadcast,
		ChannelName: "/chat/1",
		Event:       "msg",
		Payload:     map[string]interface{}{"text": "hi"},
	})

	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		frame := readUntil(t, ws, ActionBroadcast)
		payload, ok := frame.Payload.(map[string]interface{})
		if !ok || payload["text"] != "hi" {
			t.Errorf("%s: unexpected payload %+v", name, frame.Payload)
		}
	}
}

func TestGatewayJoinDeclineKeepsConnectionAlive(t *testing.T) {
	endpoint, _, url := newTestGateway(t)
	private := endpoint.CreateChannel("/private/:id", func(ctx *JoinContext) error {
		return ctx.Decline(403, "members only")
	})

	ws := dialTestGateway(t, url)
	sendFrame(t, ws, Frame{Action: ActionJoinChannel, ChannelName: "/private/1", Payload: map[string]interface{}{}})

	rejection := readFrame(t, ws)
	if rejection.Action != ActionError || rejection.Event != ErrorEventUnauthorizedJoin {
		t.Fatalf("expected UNAUTHORIZED_JOIN_REQUEST, got %+v", rejection)
	}
	if names := private.ListChannels(); len(names) != 0 {
		t.Errorf("expected no lingering channel after decline, got %v", names)
	}

	// The same connection can still join elsewhere.
	joinChannel(t, ws, "/chat/1")
}

func TestGatewayLeaveUnknownChannelFailsLoudly(t *testing.T) {
	_, _, url := newTestGateway(t)
	ws := dialTestGateway(t, url)

	sendFrame(t, ws, Frame{Action: ActionLeaveChannel, ChannelName: "/chat/1", Payload: map[string]interface{}{}})
	frame := readFrame(t, ws)
	if frame.Action != ActionError {
		t.Fatalf("expected an error frame for leaving an unjoined channel, got %+v", frame)
	}
}

func TestGatewayLeaveAcknowledged(t *testing.T) {
	_, lobby, url := newTestGateway(t)
	ws := dialTestGateway(t, url)
	joinChannel(t, ws, "/chat/1")

	sendFrame(t, ws, Frame{Action: ActionLeaveChannel, ChannelName: "/chat/1", Payload: map[string]interface{}{}})
	frame := readFrame(t, ws)
	if frame.Action != ActionSystem || frame.Event != EventExitAcknowledge {
		t.Fatalf("expected EXIT_ACKNOWLEDGE, got %+v", frame)
	}
	if names := lobby.ListChannels(); len(names) != 0 {
		t.Errorf("expected the emptied channel to be collected, got %v", names)
	}
}

func TestGatewayProtocolErrorsKeepConnectionOpen(t *testing.T) {
	_, _, url := newTestGateway(t)
	ws := dialTestGateway(t, url)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := readFrame(t, ws)
	if frame.Action != ActionError || frame.Event != ErrorEventInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", frame)
	}

	sendFrame(t, ws, Frame{Action: "DANCE", ChannelName: "/chat/1", Payload: map[string]interface{}{}})
	frame = readFrame(t, ws)
	if frame.Action != ActionError {
		t.Fatalf("expected an error frame for an unknown action, got %+v", frame)
	}

	sendFrame(t, ws, Frame{Action: ActionBroadcast, ChannelName: "", Payload: nil})
	frame = readFrame(t, ws)
	if frame.Action != ActionError || frame.Event != ErrorEventInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE for a bare envelope, got %+v", frame)
	}

	// Still usable afterwards.
	joinChannel(t, ws, "/chat/1")
}

func TestGatewayUnmatchedChannelName(t *testing.T) {
	_, _, url := newTestGateway(t)
	ws := dialTestGateway(t, url)

	sendFrame(t, ws, Frame{Action: ActionJoinChannel, ChannelName: "/nowhere/1", Payload: map[string]interface{}{}})
	frame := readFrame(t, ws)
	if frame.Action != ActionError || frame.Event != ErrorEventEndpointError {
		t.Fatalf("expected ENDPOINT_ERROR for an unmatched channel name, got %+v", frame)
	}
}

func TestGatewayCloseRemovesFromAllChannels(t *testing.T) {
	_, lobby, url := newTestGateway(t)
	ws := dialTestGateway(t, url)
	joinChannel(t, ws, "/chat/1")

	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(lobby.ListChannels()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected the closed connection's channels to be collected")
}

func TestGatewayUnresolvedJoinHandlerIsFlagged(t *testing.T) {
	endpoint, _, url := newTestGateway(t)
	endpoint.CreateChannel("/lazy/:id", func(ctx *JoinContext) error {
		// Neither accepts nor declines.
		return nil
	})

	ws := dialTestGateway(t, url)
	sendFrame(t, ws, Frame{Action: ActionJoinChannel, ChannelName: "/lazy/1", Payload: map[string]interface{}{}})
	frame := readFrame(t, ws)
	if frame.Action != ActionError || frame.Event != ErrorEventEndpointError {
		t.Fatalf("expected an endpoint error for an unresolved join handler, got %+v", frame)
	}
}

func TestGatewayConnectionHandlerDecline(t *testing.T) {
	manager := NewManager(nil)
	manager.CreateEndpoint("/api", func(ctx *ConnectionContext) error {
		return ctx.Decline(401, "token required")
	})
	server := httptest.NewServer(manager)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected status 401, got %+v", resp)
	}
}

func TestGatewayEndpointPathParams(t *testing.T) {
	manager := NewManager(nil)
	var gotToken string
	manager.CreateEndpoint("/api/:token", func(ctx *ConnectionContext) error {
		gotToken = ctx.Route().Params["token"]
		return ctx.Accept()
	})
	server := httptest.NewServer(manager)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/secret"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	if gotToken != "secret" {
		t.Errorf("expected token param, got %q", gotToken)
	}
}
