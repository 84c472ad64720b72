package planogram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ScriptedReply is one canned response of a ScriptedInvoker.
type ScriptedReply struct {
	Payload any // marshalled to JSON unless Raw is set
	Raw     []byte
	Err     error
	Cost    float64
	Usage   Usage
}

// ScriptedInvoker is an Invoker for tests and offline demos. Replies are
// consumed per model in order; the last reply of a model repeats. Requests
// whose schema is the visual feedback schema use the Feedback replies.
type ScriptedInvoker struct {
	mu       sync.Mutex
	Replies  map[string][]ScriptedReply
	Feedback []ScriptedReply
	Calls    []*Request
}

// NewScriptedInvoker returns an empty scripted invoker.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{Replies: map[string][]ScriptedReply{}}
}

// On appends replies for model.
func (s *ScriptedInvoker) On(model string, replies ...ScriptedReply) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Replies[model] = append(s.Replies[model], replies...)
	return s
}

// OnFeedback appends replies for comparison calls.
func (s *ScriptedInvoker) OnFeedback(replies ...ScriptedReply) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Feedback = append(s.Feedback, replies...)
	return s
}

// CallsTo returns the requests sent to model, feedback calls included.
func (s *ScriptedInvoker) CallsTo(model string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.Calls {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

func (s *ScriptedInvoker) Invoke(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	var reply ScriptedReply
	var ok bool
	if req.Schema != nil && req.Schema.Name == "visual_feedback" {
		reply, ok = pop(&s.Feedback)
	} else {
		q := s.Replies[req.Model]
		reply, ok = pop(&q)
		s.Replies[req.Model] = q
	}
	s.mu.Unlock()

	if !ok {
		return nil, &InvocationError{Model: req.Model, Kind: ErrTransport, Err: fmt.Errorf("no scripted reply")}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	raw := reply.Raw
	if raw == nil {
		b, err := json.Marshal(reply.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Response{Raw: raw, Cost: reply.Cost, Usage: reply.Usage}, nil
}

// pop takes the head of q, keeping the last element in place.
func pop(q *[]ScriptedReply) (ScriptedReply, bool) {
	switch len(*q) {
	case 0:
		return ScriptedReply{}, false
	case 1:
		return (*q)[0], true
	}
	r := (*q)[0]
	*q = (*q)[1:]
	return r, true
}
