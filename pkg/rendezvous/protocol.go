package rendezvous

// needMoreImagesMessage is the user_message the frontend returns immediately
// when too few images are on disk for the worker to ever wake (spec.md §8
// scenario S6: "frontend returns immediately with a user_message asking for
// more images; worker does not start initial reconstruction").
const needMoreImagesMessage = "at least 2 images are required before reconstruction can begin"

// SubmitRequest is the frontend half of the top-level handshake. It publishes
// numImages (the current on-disk image count) and req, wakes anyone waiting
// on cond, then blocks until the worker reports completion — or
// short-circuits immediately if numImages is still below the two-image
// bootstrap threshold, matching the "too few images" scenario where the
// worker never even wakes.
func (s *State) SubmitRequest(req TaskRequest, numImages int) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numImages = numImages
	s.task = req.Task
	s.fullPipeline = req.FullPipeline
	s.skip = req.Skip
	s.letColmapChooseOrder = req.LetColmapChooseOrder
	s.newRequest = true
	s.reconDone = false
	s.cond.Broadcast()

	for !(s.reconDone || s.numImages < 2) {
		s.cond.Wait()
	}

	if !s.reconDone && s.numImages < 2 {
		return Response{UserMessage: needMoreImagesMessage}
	}

	resp := Response{UserMessage: s.userMessage, Error: s.errMessage}
	s.userMessage = ""
	s.errMessage = ""
	return resp
}

// AwaitBootstrap is the worker's boot-time wait: it blocks
// until at least two images are present on disk and returns the count.
func (s *State) AwaitBootstrap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.numImages < 2 {
		s.cond.Wait()
	}
	return s.numImages
}

// AwaitTask is the worker's between-requests wait: it blocks until the frontend has published a new task and returns
// a snapshot of it. NewRequest stays true — and reprocessing of the *same*
// task is possible — until the worker acknowledges completion via Complete
// or an intra-task verdict round via PromptStage.
func (s *State) AwaitTask() TaskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.newRequest {
		s.cond.Wait()
	}
	return TaskRequest{
		Task:                 s.task,
		FullPipeline:         s.fullPipeline,
		Skip:                 s.skip,
		LetColmapChooseOrder: s.letColmapChooseOrder,
	}
}

// AppendMessage appends a note to the accumulating user-message buffer
// without publishing it; the next Complete or PromptStage publishes the
// buffer together with its own message.
func (s *State) AppendMessage(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMessageLocked(note)
}

// SetError records a non-fatal error to surface alongside the next published
// message.
func (s *State) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMessage = err.Error()
}

// Complete publishes the terminal response of a top-level handshake: it
// appends a final note (if any), marks the round done, clears NewRequest,
// and broadcasts. Exactly one Complete (or a chain of PromptStage rounds
// ending in Complete) happens per POST /process.
func (s *State) Complete(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMessageLocked(note)
	s.reconDone = true
	s.newRequest = false
	s.cond.Broadcast()
}

// PromptStage implements the intra-task rendezvous: it publishes
// a stage prompt, completes the current HTTP round exactly like Complete,
// and then blocks for the *next* HTTP request's verdict before returning the
// Skip field that request carried. full_pipeline runs never call this — the
// mapper decides unconditionally from the engine's recommendation instead.
func (s *State) PromptStage(prompt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendMessageLocked(prompt)
	s.reconDone = true
	s.newRequest = false
	s.cond.Broadcast()

	for !s.newRequest {
		s.cond.Wait()
	}
	return s.skip
}
