package rendezvous

import "strings"

// TaskRequest is the metadata a single HTTP request publishes into State.
// It carries the client's command and the per-stage verdicts the
// IncrementalMapper consumes on subsequent rounds of the same task.
type TaskRequest struct {
	// Task is the raw command string, e.g. "n", "r image02.jpg image03.jpg",
	// "a image02.jpg", "e", "d", "q", "h", or empty between bootstrap requests.
	Task string

	// FullPipeline, if true, makes the mapper perform every engine-recommended
	// stage without prompting the client.
	FullPipeline bool

	// Skip carries the client's verdict for the stage prompt most recently
	// published; consumed once per intra-task rendezvous round.
	Skip bool

	// LetColmapChooseOrder, if true, intersects the engine's preferred
	// registration order with the caller-provided target image set.
	LetColmapChooseOrder bool
}

// Response is what the frontend hands back to the caller of SubmitRequest:
// the accumulated user-facing message and, if set, a non-fatal error note.
type Response struct {
	UserMessage string
	Error       string
}

// Command is the parsed form of TaskRequest.Task: a single-letter verb plus
// zero or more whitespace-separated image names (used by "r" and "a").
type Command struct {
	Verb  byte
	Names []string
}

// ParseCommand splits a raw task string into its verb and name list. An
// empty task string yields a zero Command (Verb == 0).
func ParseCommand(task string) Command {
	task = strings.TrimSpace(task)
	if task == "" {
		return Command{}
	}
	fields := strings.Fields(task)
	cmd := Command{Verb: fields[0][0]}
	if len(fields) > 1 {
		cmd.Names = fields[1:]
	}
	return cmd
}
