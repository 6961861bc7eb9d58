package relay

import (
	"encoding/json"
	"fmt"

	"github.com/mplorentz/keydex-sub000/envelope"
)

// Filter is a Nostr REQ filter. Only the fields the gateway actually
// issues are modeled; relays ignore fields they don't recognize.
type Filter struct {
	Kinds []int    `json:"kinds,omitempty"`
	Tags  []string `json:"#p,omitempty"`
	Limit int      `json:"limit,omitempty"`
	Since int64    `json:"since,omitempty"`
}

func encodeEventFrame(ev *envelope.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", ev})
}

func encodeReqFrame(subID string, filter Filter) ([]byte, error) {
	return json.Marshal([]interface{}{"REQ", subID, filter})
}

func encodeCloseFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

// inboundFrame is the tagged union of messages a relay may send us.
type inboundFrame struct {
	Type    string
	SubID   string
	Event   *envelope.Event
	OKEvent string
	OKBool  bool
	OKMsg   string
	Notice  string
}

func decodeInboundFrame(raw []byte) (*inboundFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("relay: malformed frame: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("relay: empty frame")
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, fmt.Errorf("relay: frame missing type: %w", err)
	}

	switch kind {
	case "EVENT":
		if len(parts) != 3 {
			return nil, fmt.Errorf("relay: EVENT frame wants 3 parts, got %d", len(parts))
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, fmt.Errorf("relay: EVENT frame bad sub id: %w", err)
		}
		var ev envelope.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return nil, fmt.Errorf("relay: EVENT frame bad event: %w", err)
		}
		return &inboundFrame{Type: "EVENT", SubID: subID, Event: &ev}, nil

	case "OK":
		if len(parts) != 4 {
			return nil, fmt.Errorf("relay: OK frame wants 4 parts, got %d", len(parts))
		}
		var id string
		var ok bool
		var msg string
		if err := json.Unmarshal(parts[1], &id); err != nil {
			return nil, fmt.Errorf("relay: OK frame bad id: %w", err)
		}
		if err := json.Unmarshal(parts[2], &ok); err != nil {
			return nil, fmt.Errorf("relay: OK frame bad bool: %w", err)
		}
		_ = json.Unmarshal(parts[3], &msg)
		return &inboundFrame{Type: "OK", OKEvent: id, OKBool: ok, OKMsg: msg}, nil

	case "EOSE":
		var subID string
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &subID)
		}
		return &inboundFrame{Type: "EOSE", SubID: subID}, nil

	case "NOTICE":
		var msg string
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg)
		}
		return &inboundFrame{Type: "NOTICE", Notice: msg}, nil

	case "CLOSED":
		var subID, msg string
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &subID)
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &msg)
		}
		return &inboundFrame{Type: "CLOSED", SubID: subID, Notice: msg}, nil

	default:
		return &inboundFrame{Type: kind}, nil
	}
}
