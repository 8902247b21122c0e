package llm

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted Provider for tests. Handler wins over Responses.
type Fake struct {
	mu        sync.Mutex
	Responses []Response
	Handler   func(req Request) (Response, error)
	Calls     []Request
}

func (f *Fake) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)
	if f.Handler != nil {
		return f.Handler(req)
	}
	if len(f.Responses) == 0 {
		return Response{}, fmt.Errorf("fake llm: no scripted response for call %d", len(f.Calls))
	}
	resp := f.Responses[0]
	f.Responses = f.Responses[1:]
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
