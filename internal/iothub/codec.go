package iothub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
)

// Method names on the wire.
const (
	MethodNameControl         = "control"
	MethodNameControlReply    = "control_reply"
	MethodNameReport          = "report"
	MethodNameReportReply     = "report_reply"
	MethodNameReportInfo      = "report_info"
	MethodNameReportInfoReply = "report_info_reply"
	MethodNameGetStatus       = "get_status"
	MethodNameGetStatusReply  = "get_status_reply"
	MethodNameEventPost       = "event_post"
	MethodNameEventReply      = "event_reply"
	MethodNameAction          = "action"
	MethodNameActionReply     = "action_reply"
	MethodNameAppBindToken    = "app_bind_token"
	MethodNameAppBindReply    = "app_bind_token_reply"
	MethodNameBindDevice      = "bind_device"
	MethodNameUnbindDevice    = "unbind_device"
)

// Envelope is the JSON wrapper of every $thing message.
//
// Params, Data and Response hold raw JSON so that a decoded envelope can
// be re-encoded unchanged. Code is a pointer because a zero code is
// meaningful on replies and must still be sent.
type Envelope struct {
	Method      string          `json:"method"`
	ClientToken string          `json:"clientToken,omitempty"`
	Type        string          `json:"type,omitempty"`
	EventID     string          `json:"eventId,omitempty"`
	ActionID    string          `json:"actionId,omitempty"`
	Version     string          `json:"version,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Code        *int            `json:"code,omitempty"`
	Status      string          `json:"status,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// CodeValue returns the reply code, or 0 when absent.
func (e Envelope) CodeValue() int {
	if e.Code == nil {
		return 0
	}
	return *e.Code
}

// intPtr returns a pointer to a copy of i.
func intPtr(i int) *int {
	return &i
}

// Encode serialises an envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.Method == "" {
		return nil, fmt.Errorf("%w: method is required", ErrMalformedPayload)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", env.Method, err)
	}
	return data, nil
}

// Decode parses an inbound envelope. The method is always required;
// requireToken additionally requires a client token.
func Decode(payload []byte, requireToken bool) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if env.Method == "" {
		return Envelope{}, fmt.Errorf("%w: missing method", ErrMalformedPayload)
	}
	if requireToken && env.ClientToken == "" {
		return Envelope{}, fmt.Errorf("%w: %s missing clientToken", ErrMalformedPayload, env.Method)
	}
	return env, nil
}

// ParseParams decodes a JSON object into an ordered parameter list,
// preserving key order.
//
// Booleans become bool values, numbers become int values (float when they
// have a fraction or exponent) with both readings populated, and strings
// become string values. Nulls, arrays and nested objects are skipped.
// An empty input yields an empty list.
func ParseParams(raw json.RawMessage) (device.Params, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return device.Params{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: params must be an object", ErrMalformedPayload)
	}

	params := device.Params{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key", ErrMalformedPayload)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, key, err)
		}

		v, ok, err := parseValue(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, key, err)
		}
		if ok {
			params = append(params, device.Param{ID: key, Value: v})
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return params, nil
}

// parseValue converts one raw JSON value. ok is false for kinds that have
// no property representation.
func parseValue(raw json.RawMessage) (device.Value, bool, error) {
	switch raw[0] {
	case 't':
		return device.BoolValue(true), true, nil
	case 'f':
		return device.BoolValue(false), true, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return device.Value{}, false, err
		}
		return device.StringValue(s), true, nil
	case 'n', '[', '{':
		return device.Value{}, false, nil
	}

	text := string(raw)
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return device.IntValue(i), true, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return device.Value{}, false, err
	}
	return device.FloatValue(f), true, nil
}

// MethodType selects how a Method is enveloped.
type MethodType int

// Outbound method types.
const (
	MethodEvent MethodType = iota + 1
	MethodActionReply
	MethodAppBindToken
	MethodReport
	MethodReportInfo
)

// String returns the wire method name.
func (t MethodType) String() string {
	switch t {
	case MethodEvent:
		return MethodNameEventPost
	case MethodActionReply:
		return MethodNameActionReply
	case MethodAppBindToken:
		return MethodNameAppBindToken
	case MethodReport:
		return MethodNameReport
	case MethodReportInfo:
		return MethodNameReportInfo
	default:
		return "unknown"
	}
}

// Extra holds the envelope fields that depend on the method type.
type Extra struct {
	// Timestamp in Unix seconds; zero means now.
	Timestamp int64

	// Event fields.
	EventID   string
	EventType string
	Version   string

	// Reply fields. ClientToken echoes the request.
	ClientToken string
	Code        int
	Status      string
}

// Method is an outbound message under construction.
//
// A Method is owned by its builder. Envelope copies everything it needs,
// so the Method may be reused or discarded after publishing.
type Method struct {
	Type   MethodType
	Params device.Params
	Extra  Extra
}

// NewMethod creates an empty method of type t.
func NewMethod(t MethodType) *Method {
	return &Method{Type: t}
}

// NewEvent creates an event_post method. eventType is one of
// "info", "alert" or "fault".
func NewEvent(eventID, eventType string) *Method {
	return &Method{
		Type: MethodEvent,
		Extra: Extra{
			EventID:   eventID,
			EventType: eventType,
			Version:   "1.0",
		},
	}
}

// Facet returns the $thing facet the method is published on.
func (m *Method) Facet() string {
	switch m.Type {
	case MethodEvent:
		return mqtt.FacetEvent
	case MethodActionReply:
		return mqtt.FacetAction
	case MethodAppBindToken:
		return mqtt.FacetService
	default:
		return mqtt.FacetProperty
	}
}

// Envelope builds the wire envelope. clientToken is used for requests;
// an action reply echoes Extra.ClientToken instead.
func (m *Method) Envelope(clientToken string) (Envelope, error) {
	params, err := m.Params.MarshalJSON()
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s params: %w", m.Type, err)
	}

	ts := m.Extra.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	env := Envelope{Method: m.Type.String(), ClientToken: clientToken}
	switch m.Type {
	case MethodEvent:
		env.EventID = m.Extra.EventID
		env.Type = m.Extra.EventType
		env.Version = m.Extra.Version
		env.Timestamp = ts
		env.Params = params
	case MethodActionReply:
		env.ClientToken = m.Extra.ClientToken
		env.Code = intPtr(m.Extra.Code)
		env.Status = m.Extra.Status
		env.Response = params
	case MethodAppBindToken, MethodReportInfo:
		env.Params = params
	case MethodReport:
		env.Timestamp = ts
		env.Params = params
	default:
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownMethod, m.Type)
	}
	return env, nil
}
