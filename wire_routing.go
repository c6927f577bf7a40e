package subrpc

import "encoding/json"

// responseRouter is the inbound demux shared by both client transports:
// responses are matched to pending waiters strictly by id, push responses
// go to their tracked subscription.
type responseRouter struct {
	flow *FlowController
	subs *subscriptionTable
	log  Logger
}

func (r *responseRouter) handleBody(body []byte) {
	envelopes, perr := splitBatch(body)
	if perr != nil {
		r.log.Warningf("unparsable message from peer: %s", perr)
		return
	}
	for _, raw := range envelopes {
		resp := &Response{}
		if err := json.Unmarshal(raw, resp); err != nil {
			r.log.Warningf("unparsable response envelope: %s", err)
			continue
		}
		r.routeResponse(resp)
	}
}

func (r *responseRouter) routeResponse(resp *Response) {
	key := idKey(resp.ID)
	if w := r.flow.GetWaiter(key); w != nil {
		w.setData(resp)
		return
	}
	if sub := r.subs.get(key); sub != nil {
		if sub.HandleResponse(resp) {
			r.subs.untrack(key)
		}
		return
	}
	r.log.Debugf("uncorrelated response id=%v", resp.ID)
}
