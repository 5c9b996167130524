package dto

// IPQuery is the path parameter of GET /ips/{ip}.
type IPQuery struct {
	IP string `validate:"required,ip"`
}

type IPStatus struct {
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
	Country string `json:"country,omitempty"`
}
