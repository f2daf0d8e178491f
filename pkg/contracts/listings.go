package contracts

import "time"

// ListingType distinguishes offers from needs.
type ListingType string

const (
	ListingOffer ListingType = "offer"
	ListingNeed  ListingType = "need"
)

// Location is a point on the map. Coordinates are WGS84 degrees.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name,omitempty"`
}

// Listing is an offer or a need published to the record-keeping service.
type Listing struct {
	ID       string      `json:"id"`
	Type     ListingType `json:"type"`
	OwnerID  string      `json:"owner_id"`
	Title    string      `json:"title,omitempty"`
	Category string      `json:"category"` // slash separated, e.g. "food/produce/tomatoes"
	Keywords []string    `json:"keywords,omitempty"`

	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`

	Location *Location `json:"location,omitempty"`

	// Offers: the window in which the resource can be handed over.
	AvailableFrom  *time.Time `json:"available_from,omitempty"`
	AvailableUntil *time.Time `json:"available_until,omitempty"`

	// Needs: the deadline by which the resource is needed.
	NeededBy *time.Time `json:"needed_by,omitempty"`
	Urgent   bool       `json:"urgent,omitempty"`

	Status string `json:"status,omitempty"` // "active", "matched", "closed"
}

// Active reports whether the listing can still take part in a match.
func (l Listing) Active() bool {
	return l.Status == "" || l.Status == "active"
}

// NewMatch is the request body for creating a match record.
type NewMatch struct {
	ProposalID string  `json:"proposal_id"`
	OfferID    string  `json:"offer_id"`
	NeedID     string  `json:"need_id"`
	ProviderID string  `json:"provider_id"`
	ReceiverID string  `json:"receiver_id"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
}

// Match is a match record held by the record-keeping service.
type Match struct {
	ID string `json:"id"`
	NewMatch
	CreatedAt time.Time `json:"created_at"`
}

// NewExchange is the request body for scheduling an exchange.
type NewExchange struct {
	MatchID    string     `json:"match_id"`
	ProposalID string     `json:"proposal_id"`
	ProviderID string     `json:"provider_id"`
	ReceiverID string     `json:"receiver_id"`
	Quantity   float64    `json:"quantity"`
	Unit       string     `json:"unit"`
	Location   *Location  `json:"location,omitempty"`
	ScheduleBy *time.Time `json:"schedule_by,omitempty"`
}

// Exchange is a scheduled hand-over between two members.
type Exchange struct {
	ID string `json:"id"`
	NewExchange
	Status string `json:"status,omitempty"`
}
