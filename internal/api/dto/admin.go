package dto

// TokenRequest is the optional body of POST /admin/token.
type TokenRequest struct {
	Subject string `json:"subject" validate:"omitempty,max=128,printascii"`
}

type Token struct {
	Token string `json:"token"`
}

// IngestResult reports a manual fetch+reload. A failed ingest still answers
// 200 with Success=false.
type IngestResult struct {
	Success  bool   `json:"success"`
	TotalIPs int    `json:"totalIps"`
	Loaded   int64  `json:"loaded,omitempty"`
	Warnings int    `json:"warnings,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Health struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Instances int               `json:"instances,omitempty"`
}
