package udpchannel

import (
	"encoding/json"
	"net"
	"strings"
)

// Message is one inbound datagram, decoded and classified exactly once.
//
// The wallbox speaks three shapes on the same socket: JSON report replies
// (carrying an "ID" field), spontaneous JSON broadcasts (same shape, no "ID")
// and bare acknowledgement tokens for write commands. Spontaneous broadcasts
// must never resolve a pending request, so the classification is done here,
// centrally, and consumers route on it.
type Message struct {
	Raw         string
	Addr        *net.UDPAddr
	IsJSON      bool
	HasID       bool
	HasAckToken bool // contains TCH-OK or TCH-ERR
	JSON        map[string]interface{}
}

// classify decodes a raw datagram into a Message.
func classify(raw []byte, addr *net.UDPAddr) Message {
	text := strings.TrimSpace(string(raw))
	msg := Message{Raw: text, Addr: addr}

	if strings.HasPrefix(text, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			msg.IsJSON = true
			msg.JSON = obj
			_, msg.HasID = obj["ID"]
			msg.HasAckToken = hasAckToken(text)
			return msg
		}
	}

	// non-JSON or malformed JSON: raw command reply
	msg.HasAckToken = hasAckToken(text)
	return msg
}

func hasAckToken(text string) bool {
	return strings.Contains(text, "TCH-OK") || strings.Contains(text, "TCH-ERR")
}

// IsBroadcastClass reports whether the message is delivered on the broadcast
// path (JSON telegrams, solicited or not).
func (m *Message) IsBroadcastClass() bool {
	return m.IsJSON
}

// IsCommandClass reports whether the message is relevant to the command
// request/response path: every non-JSON payload, plus JSON payloads that
// carry an acknowledgement token.
func (m *Message) IsCommandClass() bool {
	return !m.IsJSON || m.HasAckToken
}

// Int returns the named JSON field as an int, with ok=false when the field is
// missing or not numeric.
func (m *Message) Int(field string) (int, bool) {
	val, ok := m.JSON[field]
	if !ok {
		return 0, false
	}
	num, ok := val.(float64)
	if !ok {
		return 0, false
	}
	return int(num), true
}

// Float returns the named JSON field as a float64.
func (m *Message) Float(field string) (float64, bool) {
	val, ok := m.JSON[field]
	if !ok {
		return 0, false
	}
	num, ok := val.(float64)
	return num, ok
}
