package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"afb-client/internal/value"
)

// SubProtocol is the WebSocket sub-protocol spoken by the binder.
const SubProtocol = "x-afb-ws-json1"

// MessageCode is the first element of every frame array.
type MessageCode int

const (
	CodeCall       MessageCode = 2
	CodeReplyOK    MessageCode = 3
	CodeReplyError MessageCode = 4
	CodeEvent      MessageCode = 5
)

func (c MessageCode) String() string {
	switch c {
	case CodeCall:
		return "call"
	case CodeReplyOK:
		return "reply-ok"
	case CodeReplyError:
		return "reply-error"
	case CodeEvent:
		return "event"
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// jtype markers carried by reply and event objects.
const (
	JTypeReply = "afb-reply"
	JTypeEvent = "afb-event"
)

// Request status values.
const (
	StatusSuccess        = "success"
	StatusTransportError = "transport-error"
	StatusDisconnected   = "disconnected"
)

// Call is one outbound verb invocation.
type Call struct {
	ID     string
	Method string // "<api>/<verb>"
	Args   value.Value
	Token  string
}

// RequestInfo is the "request" block of a reply object.
type RequestInfo struct {
	Status string
	Info   string
	UUID   string
	Token  string
	ReqID  string
}

// Reply is a decoded reply frame. Raw is the whole reply object, which is
// what callers receive as the call payload.
type Reply struct {
	CallID      string
	OK          bool
	JType       string
	Request     RequestInfo
	Response    value.Value
	HasResponse bool
	Raw         value.Value
}

// IsError reports whether the reply represents a failed call, either by its
// frame code or by a non-success status.
func (r Reply) IsError() bool {
	if !r.OK {
		return true
	}
	return r.Request.Status != "" && r.Request.Status != StatusSuccess
}

func (r Reply) MarshalJSON() ([]byte, error) {
	return r.Raw.MarshalJSON()
}

// Event is a decoded event frame.
type Event struct {
	Type string // jtype of the event object
	Name string // "<api>/<name>"
	Data value.Value
	Raw  value.Value
}

// API returns the api part of the event name.
func (e Event) API() string {
	api, _ := SplitMethod(e.Name)
	return api
}

// Frame is any decoded inbound frame. Exactly one of Call, Reply or Event
// is set depending on Code.
type Frame struct {
	Code  MessageCode
	Call  *Call
	Reply *Reply
	Event *Event
}

// EncodeCall renders a call frame.
func EncodeCall(c Call) ([]byte, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("encode call: empty call id")
	}
	if c.Method == "" {
		return nil, fmt.Errorf("encode call: empty method")
	}
	items := []value.Value{
		value.IntValue(int64(CodeCall)),
		value.StringValue(c.ID),
		value.StringValue(c.Method),
		c.Args,
	}
	if c.Token != "" {
		items = append(items, value.StringValue(c.Token))
	}
	return value.ArrayValue(items...).MarshalJSON()
}

// EncodeReply renders a reply frame for the given call id.
func EncodeReply(callID string, ok bool, reply value.Value) ([]byte, error) {
	code := CodeReplyOK
	if !ok {
		code = CodeReplyError
	}
	return value.ArrayValue(
		value.IntValue(int64(code)),
		value.StringValue(callID),
		reply,
	).MarshalJSON()
}

// EncodeEvent renders an event frame.
func EncodeEvent(name string, data value.Value) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("encode event: empty name")
	}
	return value.ArrayValue(
		value.IntValue(int64(CodeEvent)),
		value.StringValue(name),
		NewEventObject(name, data),
	).MarshalJSON()
}

// NewReplyObject builds a reply object. response is omitted when null.
func NewReplyObject(req RequestInfo, response value.Value) value.Value {
	request := []value.Pair{{Key: "status", Value: value.StringValue(req.Status)}}
	if req.Info != "" {
		request = append(request, value.Pair{Key: "info", Value: value.StringValue(req.Info)})
	}
	if req.UUID != "" {
		request = append(request, value.Pair{Key: "uuid", Value: value.StringValue(req.UUID)})
	}
	if req.Token != "" {
		request = append(request, value.Pair{Key: "token", Value: value.StringValue(req.Token)})
	}
	if req.ReqID != "" {
		request = append(request, value.Pair{Key: "reqid", Value: value.StringValue(req.ReqID)})
	}

	pairs := []value.Pair{
		{Key: "jtype", Value: value.StringValue(JTypeReply)},
		{Key: "request", Value: value.ObjectValue(request...)},
	}
	if !response.IsNull() {
		pairs = append(pairs, value.Pair{Key: "response", Value: response})
	}
	return value.ObjectValue(pairs...)
}

// NewEventObject builds the object carried by an event frame.
func NewEventObject(name string, data value.Value) value.Value {
	return value.ObjectValue(
		value.Pair{Key: "jtype", Value: value.StringValue(JTypeEvent)},
		value.Pair{Key: "event", Value: value.StringValue(name)},
		value.Pair{Key: "data", Value: data},
	)
}

// NewFailureReply shapes a local failure like a remote error reply so that
// callers have a single resolution path to inspect.
func NewFailureReply(status, info string) Reply {
	req := RequestInfo{Status: status, Info: info}
	return Reply{
		JType:   JTypeReply,
		Request: req,
		Raw:     NewReplyObject(req, value.NullValue()),
	}
}

// SplitMethod splits "<api>/<verb>" at the first slash. A method without a
// slash is all api.
func SplitMethod(method string) (api, verb string) {
	if i := strings.IndexByte(method, '/'); i >= 0 {
		return method[:i], method[i+1:]
	}
	return method, ""
}

// parseReply reads a reply object. Unknown or missing members are tolerated;
// only the overall shape must be an object.
func parseReply(callID string, ok bool, obj value.Value) (*Reply, error) {
	if obj.Kind() != value.Object {
		return nil, fmt.Errorf("reply payload is %s, not object", obj.Kind())
	}
	r := &Reply{CallID: callID, OK: ok, Raw: obj}
	if jt, found := obj.Get("jtype"); found {
		r.JType, _ = jt.Str()
	}
	if req, found := obj.Get("request"); found {
		r.Request.Status = stringMember(req, "status")
		r.Request.Info = stringMember(req, "info")
		r.Request.UUID = stringMember(req, "uuid")
		r.Request.Token = stringMember(req, "token")
		r.Request.ReqID = stringMember(req, "reqid")
	}
	if resp, found := obj.Get("response"); found {
		r.Response = resp
		r.HasResponse = !resp.IsNull()
	}
	return r, nil
}

func parseEvent(name string, obj value.Value) *Event {
	ev := &Event{Name: name, Raw: obj, Type: JTypeEvent}
	if obj.Kind() != value.Object {
		ev.Data = obj
		return ev
	}
	if jt := stringMember(obj, "jtype"); jt != "" {
		ev.Type = jt
	}
	if data, found := obj.Get("data"); found {
		ev.Data = data
	}
	return ev
}

func stringMember(obj value.Value, key string) string {
	m, ok := obj.Get(key)
	if !ok {
		return ""
	}
	s, _ := m.Str()
	return s
}

// compact renders a raw frame on one line for error messages.
func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
