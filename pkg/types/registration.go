package types

// RegistrationMessage is sent periodically to the grid with the full inventory.
type RegistrationMessage struct {
	AgentRef AgentRef `json:"agentRef"`
	Tokens   []Token  `json:"tokens"`
}

// FileVersion is a file or directory retrieved from the grid.
type FileVersion struct {
	FileID      string
	Filename    string
	IsDirectory bool
	Content     []byte
}
