package reviewapplication

const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

type Input struct {
	ApplicationID string `json:"applicationId"`
	CallerID      string `json:"callerId"`
	Decision      string `json:"decision"`
}

// Output feeds the process gateways: a degraded acceptance routes to chat-room provisioning.
type Output struct {
	ApplicationID     string   `json:"applicationId"`
	ApplicationStatus string   `json:"applicationStatus"`
	RejectedIDs       []string `json:"rejectedIds"`
	ChatRoomID        string   `json:"chatRoomId,omitempty"`
	Degraded          bool     `json:"degraded"`
	ChatRoomError     string   `json:"chatRoomError,omitempty"`
	Compacted         int      `json:"compacted"`
}
