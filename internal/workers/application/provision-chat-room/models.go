package provisionchatroom

import "time"

type Input struct {
	ApplicationID string `json:"applicationId"`
	CallerID      string `json:"callerId"`
}

type Output struct {
	ChatRoomID    string    `json:"chatRoomId"`
	ApplicationID string    `json:"applicationId"`
	ListingID     string    `json:"listingId"`
	CreatedAt     time.Time `json:"createdAt"`
}
