package core

// Node is a vertex in the pipeline DAG. Nodes are owned by the DAG's flat
// node map and referenced everywhere else by id.
type Node struct {
	ID         string         `json:"id"`
	Handler    HandlerType    `json:"handler"`
	FilePath   string         `json:"file_path,omitempty"`
	Acceptance string         `json:"acceptance,omitempty"`
	Status     NodeStatus     `json:"status"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Edge is a must-precede dependency: To is ready only when From is validated.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
