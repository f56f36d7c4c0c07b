package acl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRequestCompletesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	req := NewMessageRequest(Message{JSON: "{}"}, WithCompletion(func(SendResult) { calls.Add(1) }))

	var wg sync.WaitGroup
	statuses := []SendStatus{SendSuccess, SendConnectionLost, SendNotConnected, SendTimedOut}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(s SendStatus) {
			defer wg.Done()
			req.complete(SendResult{Status: s}, nil)
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	res, done := req.Result()
	assert.True(t, done)
	assert.Contains(t, statuses, res.Status)
}

func TestMessageRequestClaimOnlyOnce(t *testing.T) {
	req := NewMessageRequest(Message{JSON: "{}"})
	assert.True(t, req.claim())
	assert.False(t, req.claim())
}

func TestMessageRequestRejectIgnoresClaimedRequest(t *testing.T) {
	req := NewMessageRequest(Message{JSON: "{}"})
	require.True(t, req.claim())

	assert.False(t, req.reject(SendResult{Status: SendNotConnected}, nil))
	assert.True(t, req.complete(SendResult{Status: SendConnectionLost}, nil))

	res, _ := req.Result()
	assert.Equal(t, SendConnectionLost, res.Status)
}

func TestMessageRequestRejectPending(t *testing.T) {
	req := NewMessageRequest(Message{JSON: "{}"})
	assert.True(t, req.reject(SendResult{Status: SendNotConnected}, nil))
	assert.False(t, req.claim())

	res, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SendNotConnected, res.Status)
}

func TestMessageRequestWaitHonoursContext(t *testing.T) {
	req := NewMessageRequest(Message{JSON: "{}"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := req.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageRequestCallbackRunsOnExecutor(t *testing.T) {
	exec := NewExecutor("test", 4, nil)
	defer exec.Shutdown()

	got := make(chan SendResult, 1)
	req := NewMessageRequest(Message{JSON: "{}"}, WithCompletion(func(r SendResult) { got <- r }))
	req.complete(SendResult{Status: SendSuccessNoContent}, exec)

	select {
	case r := <-got:
		assert.Equal(t, SendSuccessNoContent, r.Status)
	case <-time.After(time.Second):
		t.Fatal("completion never ran")
	}
}

func TestMessageRequestCallbackRunsInlineAfterShutdown(t *testing.T) {
	exec := NewExecutor("test", 4, nil)
	exec.Shutdown()

	ran := false
	req := NewMessageRequest(Message{JSON: "{}"}, WithCompletion(func(SendResult) { ran = true }))
	req.complete(SendResult{Status: SendSuccess}, exec)
	assert.True(t, ran)
}

func TestWithPath(t *testing.T) {
	assert.Equal(t, DefaultEventsPath, NewMessageRequest(Message{}).Path())
	assert.Equal(t, "/v1/events", NewMessageRequest(Message{}, WithPath("/v1/events")).Path())
	assert.Equal(t, DefaultEventsPath, NewMessageRequest(Message{}, WithPath("")).Path())
}
