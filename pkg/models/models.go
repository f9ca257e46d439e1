// Package models holds the wire DTOs exchanged over POST /process: the
// multipart/form-data request's metadata part and the multipart/mixed
// response's JSON part.
package models

// RequestMetadata is the JSON body of the "metadata" part of a POST /process
// request. Every field but Task is optional. An absent full_pipeline means
// "use the session default" (see config.MapperConfig.FullPipelineDefault);
// the other absent fields are false.
type RequestMetadata struct {
	// Task is the raw command string: "n", "r image02.jpg image03.jpg",
	// "a image02.jpg", "e", "d", "q", "h", or empty between bootstrap
	// requests and intra-task verdict rounds.
	Task string `json:"task"`

	// FullPipeline, if true, performs every engine-recommended stage without
	// prompting. Nil means "use the session's configured default"
	// (config.MapperConfig.FullPipelineDefault).
	FullPipeline *bool `json:"full_pipeline,omitempty"`

	// Skip carries the client's verdict for the most recently published
	// stage prompt.
	Skip bool `json:"skip,omitempty"`

	// LetColmapChooseOrder, if true, intersects the engine's preferred
	// registration order with the caller-provided target image set.
	LetColmapChooseOrder bool `json:"let_colmap_choose_order,omitempty"`
}

// ProcessResponse is the JSON part of a POST /process multipart/mixed
// response.
type ProcessResponse struct {
	Status      string   `json:"status"`
	Description string   `json:"description"`
	UserMessage string   `json:"user_message"`
	Files       []string `json:"files"`
}
