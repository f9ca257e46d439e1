package rendezvous

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRequestShortCircuitsOnTooFewImages(t *testing.T) {
	s := New()

	resp := s.SubmitRequest(TaskRequest{}, 1)

	assert.NotEmpty(t, resp.UserMessage, "frontend must synthesize a need-more-images message per spec.md S6")
	assert.Contains(t, resp.UserMessage, "2 images")
	assert.False(t, s.Snapshot().ReconDone)
	// The worker never woke, so AwaitBootstrap would still block — verify it
	// hasn't silently completed by checking NumImages directly.
	assert.Equal(t, 1, s.NumImages())
}

func TestAwaitBootstrapWakesOnSecondImage(t *testing.T) {
	s := New()
	woke := make(chan int, 1)

	go func() {
		woke <- s.AwaitBootstrap()
	}()

	require.Eventually(t, func() bool {
		return true // give the goroutine a chance to start waiting
	}, 50*time.Millisecond, 5*time.Millisecond)

	s.SubmitRequest(TaskRequest{}, 1)
	select {
	case <-woke:
		t.Fatal("worker should not have woken on a single image")
	case <-time.After(20 * time.Millisecond):
	}

	go func() {
		s.SubmitRequest(TaskRequest{Task: "n"}, 2)
	}()

	select {
	case n := <-woke:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("AwaitBootstrap never woke")
	}
	s.Complete("") // unblock the pending SubmitRequest goroutine above
}

func TestTopLevelHandshakeRoundTrip(t *testing.T) {
	s := New()
	done := make(chan Response, 1)

	go func() {
		done <- s.SubmitRequest(TaskRequest{Task: "n"}, 2)
	}()

	task := s.AwaitTask()
	assert.Equal(t, "n", task.Task)

	s.Complete("initial reconstruction is ready")

	resp := <-done
	assert.Equal(t, "initial reconstruction is ready", resp.UserMessage)
	assert.Empty(t, resp.Error)

	snap := s.Snapshot()
	assert.False(t, snap.NewRequest)
	assert.True(t, snap.ReconDone)
}

func TestPromptStageRoundTrip(t *testing.T) {
	s := New()
	first := make(chan Response, 1)

	go func() {
		first <- s.SubmitRequest(TaskRequest{Task: "n", FullPipeline: false}, 3)
	}()

	task := s.AwaitTask()
	assert.Equal(t, "n", task.Task)

	verdictCh := make(chan bool, 1)
	go func() {
		verdictCh <- s.PromptStage("COLMAP recommends performing TRIANGULATION. Skip it? (y/n)")
	}()

	promptResp := <-first
	assert.Contains(t, promptResp.UserMessage, "TRIANGULATION")

	second := make(chan Response, 1)
	go func() {
		second <- s.SubmitRequest(TaskRequest{Skip: true}, 3)
	}()

	assert.True(t, <-verdictCh)

	s.Complete("")
	finalResp := <-second
	assert.Empty(t, finalResp.UserMessage)
}

func TestAppendMessageAccumulatesBeforeComplete(t *testing.T) {
	s := New()
	s.AppendMessage("line one")
	s.AppendMessage("line two")
	s.Complete("line three")

	assert.Equal(t, "line one\nline two\nline three", s.Snapshot().UserMessage)
}

func TestSetErrorSurfacesOnNextComplete(t *testing.T) {
	s := New()
	s.SetError(assertError{"unknown image name"})
	s.Complete("invalid command")

	snap := s.Snapshot()
	assert.Equal(t, "unknown image name", snap.Error)
	assert.Equal(t, "invalid command", snap.UserMessage)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
