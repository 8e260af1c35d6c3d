package withdrawapplication

type Input struct {
	ApplicationID string `json:"applicationId"`
	CallerID      string `json:"callerId"`
}

type Output struct {
	ApplicationID     string `json:"applicationId"`
	ApplicationStatus string `json:"applicationStatus"`
	Compacted         int    `json:"compacted"`
}
