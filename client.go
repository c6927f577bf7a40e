package subrpc

import (
	"context"
	"encoding/json"
)

// Call invokes a query or mutation over any transport and returns the
// raw result data. A remote error rejects the call with a *ClientError
// carrying the full wire shape.
func Call(ctx context.Context, t Transport, kind ProcedureKind, path string, input interface{}) (json.RawMessage, error) {
	req, err := NewRequest(kind, path, input)
	if err != nil {
		return nil, err
	}
	resp, err := t.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, clientError(resp.Error)
	}
	if resp.Result == nil || resp.Result.Type != ResultData {
		return nil, Errorf(CodeInternalServerError, "unexpected result on path %q", path)
	}
	return resp.Result.Data, nil
}

// CallInto is Call plus deserialization of the result into out.
func CallInto(ctx context.Context, t Transport, kind ProcedureKind, path string, input, out interface{}) error {
	data, err := Call(ctx, t, kind, path, input)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// NewRequest builds a request envelope with serialized input. The id is
// left unset; transports assign one on send.
func NewRequest(kind ProcedureKind, path string, input interface{}) (*Request, error) {
	params := &RequestParams{Path: path}
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		params.Input = data
	}
	return &Request{Method: string(kind), Params: params}, nil
}
