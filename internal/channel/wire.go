package channel

// Wire contract shared by the agent and the dispatch server.

const (
	EventAck            = "ack"
	EventLocationUpdate = "location:update"
	EventOfferNew       = "offer:new"
	EventOfferAccept    = "offer:accept"
	EventOfferReject    = "offer:reject"
)

// LocationUpdate is emitted by the client on each reporting tick and
// acknowledged by the server.
type LocationUpdate struct {
	Token     string  `json:"token"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// OfferNew is pushed by the server when a job is proposed to the worker.
type OfferNew struct {
	OfferID         string `json:"offerId"`
	Address         string `json:"address"`
	ServiceCategory string `json:"serviceCategory"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

// OfferDecision is the client's fire-and-forget accept/reject message.
type OfferDecision struct {
	OfferID string `json:"offerId"`
	Reason  string `json:"reason,omitempty"`
}

// OfferNewSchema guards inbound offer payloads before they reach the offer
// session.
var OfferNewSchema = []byte(`{
	"type": "object",
	"required": ["offerId", "address", "serviceCategory"],
	"properties": {
		"offerId": {"type": "string", "minLength": 1},
		"address": {"type": "string", "minLength": 1},
		"serviceCategory": {"type": "string", "minLength": 1},
		"timeoutSeconds": {"type": "integer", "minimum": 1}
	}
}`)
