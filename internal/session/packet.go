package session

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// Engine.IO v4 packet types, the first byte of every websocket frame.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket.IO v4 packet types, the first byte of an engine message payload.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
	sioBinaryEvent  = '5'
	sioBinaryAck    = '6'
)

// openPacket is the JSON body of an Engine.IO open packet. Intervals are
// in milliseconds.
type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// sioPacket is a decoded Socket.IO packet on the default namespace.
type sioPacket struct {
	Type  byte
	NSP   string
	ID    int64
	HasID bool
	Data  json.RawMessage
}

// parseSIO decodes the Socket.IO packet carried in an engine message:
// <type>[<nsp>,][<id>][<json>]
func parseSIO(s string) (sioPacket, error) {
	var p sioPacket
	if s == "" {
		return p, xerrors.New("empty socket.io packet")
	}
	p.Type = s[0]
	if p.Type < sioConnect || p.Type > sioBinaryAck {
		return p, xerrors.Newf("unknown socket.io packet type %q", p.Type)
	}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			p.NSP, rest = rest[:i], rest[i+1:]
		} else {
			p.NSP, rest = rest, ""
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return p, xerrors.Wrapf(err, "parse packet id %q", rest[:i])
		}
		p.ID, p.HasID = id, true
	}
	if data := rest[i:]; data != "" {
		if !json.Valid([]byte(data)) {
			return p, xerrors.Newf("socket.io packet payload is not JSON")
		}
		p.Data = json.RawMessage(data)
	}
	return p, nil
}

// encodeSIO renders a Socket.IO packet wrapped in an engine message.
func encodeSIO(typ byte, id int64, hasID bool, data []byte) []byte {
	b := make([]byte, 0, len(data)+24)
	b = append(b, engineMessage, typ)
	if hasID {
		b = strconv.AppendInt(b, id, 10)
	}
	return append(b, data...)
}

// eventPayload builds the ["name", args...] array of an EVENT packet.
func eventPayload(name string, args ...any) ([]byte, error) {
	arr := make([]any, 0, len(args)+1)
	arr = append(arr, name)
	arr = append(arr, args...)
	b, err := json.Marshal(arr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "encode %s payload", name)
	}
	return b, nil
}

// splitEvent returns the event name and its arguments.
func splitEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", nil, xerrors.Wrap(err, "decode event payload")
	}
	if len(arr) == 0 {
		return "", nil, xerrors.New("event payload has no name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, xerrors.Wrap(err, "decode event name")
	}
	return name, arr[1:], nil
}

// connectErrorMessage extracts the message from a CONNECT_ERROR body,
// which is either {"message": "..."} or a bare JSON string.
func connectErrorMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	var s string
	if json.Unmarshal(data, &s) == nil && s != "" {
		return s
	}
	if len(data) > 0 {
		return string(data)
	}
	return "connection refused"
}
