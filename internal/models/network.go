package models

import "encoding/json"

// NetworkProvider serves the payment networks accepted by the X402 service.
type NetworkProvider interface {
	// Networks returns the cached document, or nil before the first successful fetch.
	Networks() json.RawMessage
	UpdatedAt() int64
}
