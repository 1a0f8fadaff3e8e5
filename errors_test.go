package wavesock

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindsMapToWireEvents(t *testing.T) {
	cases := map[*Error]string{
		protocolError("bad frame"):                         ErrorEventInvalidMessage,
		channelError(404, "/room/1", "absent"):             ErrorEventChannelError,
		presenceError(409, "/room/1", "JOIN", "duplicate"): ErrorEventPresenceError,
		endpointError(500, "boom"):                         ErrorEventEndpointError,
	}
	for err, event := range cases {
		if got := err.errorEventName(); got != event {
			t.Errorf("expected %s for kind %s, got %s", event, err.Kind, got)
		}
	}
}

func TestWrapPreservesKindAndCode(t *testing.T) {
	inner := channelError(StatusConflict, "/room/1", "duplicate join")
	wrapped := wrap(inner, "adding user")

	if wrapped.Kind != KindChannel || wrapped.Code != StatusConflict || wrapped.ChannelName != "/room/1" {
		t.Errorf("expected kind, code and channel to survive wrapping, got %+v", wrapped)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("expected the cause chain to be preserved")
	}

	plain := wrap(fmt.Errorf("io failure"), "reading")
	if plain.Kind != KindEndpoint || plain.Code != StatusInternalServerError {
		t.Errorf("expected a plain error to wrap as an internal endpoint error, got %+v", plain)
	}
	if wrap(nil, "nothing") != nil {
		t.Error("expected wrapping nil to stay nil")
	}
}

func TestCombine(t *testing.T) {
	if combine(nil, nil) != nil {
		t.Error("expected combining nils to stay nil")
	}
	single := fmt.Errorf("only")
	if combine(nil, single) != single {
		t.Error("expected a single error to pass through unchanged")
	}
	multi := combine(fmt.Errorf("a"), fmt.Errorf("b"))
	var m *MultiError
	if !errors.As(multi, &m) || len(m.Unwrap()) != 2 {
		t.Errorf("expected a MultiError of two, got %v", multi)
	}
}

func TestErrorFrame(t *testing.T) {
	frame := errorFrame(channelError(403, "/room/1", "not a member"))
	if frame.Action != ActionError || frame.ChannelName != "/room/1" || frame.Event != ErrorEventChannelError {
		t.Errorf("unexpected frame: %+v", frame)
	}
	payload, ok := frame.Payload.(ErrorPayload)
	if !ok || payload.Code != 403 || payload.Message != "not a member" {
		t.Errorf("unexpected payload: %+v", frame.Payload)
	}

	detailed := errorFrame(channelError(404, "/room/1", "recipients are not members").withDetails([]string{"y"}))
	if payload, ok := detailed.Payload.(ErrorPayload); !ok || payload.Details == nil {
		t.Errorf("expected the details to survive onto the wire payload, got %+v", detailed.Payload)
	}

	plain := errorFrame(fmt.Errorf("boom"))
	if plain.Event != ErrorEventInternal {
		t.Errorf("expected internal error event for a plain error, got %+v", plain)
	}
	if errorFrame(nil) != nil {
		t.Error("expected nil for a nil error")
	}
}
