package sendnotification

// Input lets a process override the batch size for one run.
type Input struct {
	BatchSize int `json:"batchSize,omitempty"`
}

type Output struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Disabled int `json:"disabled"`
}
