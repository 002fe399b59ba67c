package network

import (
	"sort"
)

// Completion receives the outcome of one request: the relay response, or a
// non-nil error when the relay rejected it or the transport dropped.
type Completion func(Response, error)

// Dispatcher maps pending request ids to completions. It is owned by a single
// event loop and is not safe for concurrent use.
type Dispatcher struct {
	lastID  RequestID
	pending map[RequestID]Completion
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{pending: make(map[RequestID]Completion)}
}

// AllocateID returns the next request id. Ids start at 1 and never repeat.
func (d *Dispatcher) AllocateID() RequestID {
	d.lastID++
	return d.lastID
}

// Register stores completion under id.
func (d *Dispatcher) Register(id RequestID, completion Completion) error {
	if _, exists := d.pending[id]; exists {
		return &ProtocolError{Kind: ErrDuplicateID, ID: id}
	}
	d.pending[id] = completion
	return nil
}

// Complete removes the completion for id and then invokes it.
func (d *Dispatcher) Complete(id RequestID, resp Response, err error) error {
	completion, ok := d.pending[id]
	if !ok {
		return &ProtocolError{Kind: ErrUnknownRequestID, ID: id, Method: resp.Method, Address: resp.Address}
	}
	delete(d.pending, id)
	completion(resp, err)
	return nil
}

// FailAll completes every pending request with err, in id order, and returns
// how many were failed.
func (d *Dispatcher) FailAll(err error) int {
	ids := make([]RequestID, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	completions := make([]Completion, 0, len(ids))
	for _, id := range ids {
		completions = append(completions, d.pending[id])
		delete(d.pending, id)
	}
	for _, completion := range completions {
		completion(Response{}, err)
	}
	return len(completions)
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	return len(d.pending)
}
