package subrpc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// request methods
const (
	MethodQuery            = "query"
	MethodMutation         = "mutation"
	MethodSubscription     = "subscription"
	MethodSubscriptionStop = "subscription.stop"
)

// result types
const (
	ResultStarted = "started"
	ResultStopped = "stopped"
	ResultData    = "data"
)

// RequestParams carries the procedure path and its serialized input.
// LastEventID is resent by clients when recovering a subscription.
type RequestParams struct {
	Path        string          `json:"path"`
	Input       json.RawMessage `json:"input,omitempty"`
	LastEventID string          `json:"lastEventId,omitempty"`
}

// Request is the wire request envelope. ID is a JSON string or number;
// it is nil only on uncorrelated replies (never on requests).
type Request struct {
	ID     interface{}    `json:"id"`
	Method string         `json:"method"`
	Params *RequestParams `json:"params,omitempty"`
}

// Result is the success half of a response envelope. EventID, when set on
// a data result, lets a recovering client resume from the last event it
// observed.
type Result struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	EventID string          `json:"id,omitempty"`
}

// Response is the wire response envelope: exactly one of Result or Error
// is set.
type Response struct {
	ID     interface{} `json:"id"`
	Result *Result     `json:"result,omitempty"`
	Error  *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the client-safe error representation.
type ErrorShape struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    ErrorData `json:"data"`
}

// ErrorData carries the stable string code and HTTP status of an error.
type ErrorData struct {
	Code       string `json:"code"`
	HTTPStatus int    `json:"httpStatus"`
	Path       string `json:"path,omitempty"`
	Stack      string `json:"stack,omitempty"`
}

// Frame wraps every payload put on a transport. IID is the sender's
// instance identifier, used by the peer for restart detection. Ping/Pong
// frames are the out-of-band liveness probe and carry no body.
type Frame struct {
	IID  string          `json:"iid"`
	Ping bool            `json:"ping,omitempty"`
	Pong bool            `json:"pong,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

func messageFrame(iid string, body []byte) *Frame {
	return &Frame{IID: iid, Body: body}
}

func pingFrame(iid string) *Frame { return &Frame{IID: iid, Ping: true} }
func pongFrame(iid string) *Frame { return &Frame{IID: iid, Pong: true} }

func (f *Frame) dump() ([]byte, error) {
	return json.Marshal(f)
}

func parseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	return f, nil
}

// DataTransformer serializes and deserializes user-level values crossing
// the wire boundary.
type DataTransformer interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}

// JSONTransformer is the default transformer.
type JSONTransformer struct{}

func (JSONTransformer) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONTransformer) Deserialize(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// TransformerPair holds independent input and output transformers.
type TransformerPair struct {
	Input  DataTransformer
	Output DataTransformer
}

func defaultTransformers() TransformerPair {
	return TransformerPair{Input: JSONTransformer{}, Output: JSONTransformer{}}
}

// ParseRequest validates and decodes a single request envelope. Returns a
// protocol error (PARSE_ERROR or BAD_REQUEST) on malformed input.
func ParseRequest(raw []byte) (*Request, *Error) {
	req := &Request{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, NewError(CodeParseError, "malformed message: "+err.Error())
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// splitBatch returns the individual envelopes of a payload, which may be a
// single envelope or a JSON array of envelopes.
func splitBatch(raw []byte) ([]json.RawMessage, *Error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, NewError(CodeParseError, "malformed batch: "+err.Error())
		}
		if len(batch) == 0 {
			return nil, NewError(CodeBadRequest, "empty batch")
		}
		return batch, nil
	}
	return []json.RawMessage{raw}, nil
}

func validateRequest(req *Request) *Error {
	switch req.Method {
	case MethodQuery, MethodMutation, MethodSubscription:
		if req.Params == nil || req.Params.Path == "" {
			return NewError(CodeBadRequest, "missing params.path")
		}
	case MethodSubscriptionStop:
		// params are omitted on stop
	case "":
		return NewError(CodeBadRequest, "missing method")
	default:
		return NewError(CodeBadRequest, "malformed method "+strconv.Quote(req.Method))
	}
	switch req.ID.(type) {
	case string, float64, json.Number, int, int64, uint64:
	default:
		return NewError(CodeBadRequest, "missing id")
	}
	return nil
}

// idKey folds the JSON string/number forms of a correlation id into one
// canonical map key. Returns "" for a nil id.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case json.Number:
		return "n:" + v.String()
	case float64:
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return "n:" + strconv.FormatInt(int64(v), 10)
	case int64:
		return "n:" + strconv.FormatInt(v, 10)
	case uint64:
		return "n:" + strconv.FormatUint(v, 10)
	default:
		return ""
	}
}

// dataResponse builds a {type:data} response, serializing the value with
// the output transformer.
func dataResponse(id interface{}, v interface{}, out DataTransformer) (*Response, error) {
	data, err := out.Serialize(v)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: &Result{Type: ResultData, Data: data}}, nil
}

func startedResponse(id interface{}) *Response {
	return &Response{ID: id, Result: &Result{Type: ResultStarted}}
}

func stoppedResponse(id interface{}) *Response {
	return &Response{ID: id, Result: &Result{Type: ResultStopped}}
}

// EncodeResponse serializes one response envelope.
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// EncodeResponses serializes envelopes uniformly: a single envelope as an
// object, several as an array.
func EncodeResponses(resps []*Response) ([]byte, error) {
	if len(resps) == 1 {
		return json.Marshal(resps[0])
	}
	return json.Marshal(resps)
}
