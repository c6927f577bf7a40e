package subrpc

import "context"

// Transport represents an abstract client transport for typed RPC calls.
// Request performs a single correlated round trip; Subscribe starts a
// long-lived server-push subscription.
type Transport interface {
	Request(ctx context.Context, req *Request) (*Response, error)
	Subscribe(req *Request, onData ResponseHandler, onState StateHandler) (*ClientSubscription, error)
	Close() error
}

// ResponseHandler receives push responses for one subscription.
type ResponseHandler func(resp *Response)

// StateHandler observes subscription state transitions. May be nil.
type StateHandler func(state SubscriptionState)

// DatagramConn represents an abstract unreliable addressed send/receive
// primitive. No ordering or delivery guarantee is assumed.
type DatagramConn interface {
	ReadFrom() (payload []byte, addr string, err error)
	WriteTo(payload []byte, addr string) error
	Close() error
}

// Logger is the logging interface consumed by transports and the server.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})   {}
func (nopLogger) Infof(string, ...interface{})    {}
func (nopLogger) Warningf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{})   {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}
