package models

import "time"

// Shipping-provider webhook envelope (Shippo track_updated and
// transaction_updated deliveries).
type ShippingWebhook struct {
	Event string              `json:"event" validate:"required"`
	Test  bool                `json:"test"`
	Data  ShippingWebhookData `json:"data"`
}

type ShippingWebhookData struct {
	ObjectID       string               `json:"object_id,omitempty"`
	TrackingNumber string               `json:"tracking_number" validate:"required,max=64"`
	Carrier        string               `json:"carrier,omitempty"`
	TrackingURL    string               `json:"tracking_url_provider,omitempty"`
	LabelURL       string               `json:"label_url,omitempty"`
	TrackingStatus *ShippingStatusEntry `json:"tracking_status,omitempty" validate:"required_without=LabelURL"`
	Status         string               `json:"status,omitempty"` // transaction status, e.g. SUCCESS
	ObjectCreated  time.Time            `json:"object_created"`
	ObjectUpdated  time.Time            `json:"object_updated"`
	// Metadata is the free-form string attached when the label was bought:
	// a bare order ID, "key=value" pairs, or a JSON object.
	Metadata string `json:"metadata,omitempty"`
}

type ShippingStatusEntry struct {
	Status        string    `json:"status" validate:"required"` // PRE_TRANSIT, TRANSIT, DELIVERED, RETURNED, FAILURE, UNKNOWN
	StatusDetails string    `json:"status_details,omitempty"`
	StatusDate    time.Time `json:"status_date"`
}

// Fulfillment statuses stored on orders.
const (
	FulfillmentUnfulfilled  = "unfulfilled"
	FulfillmentLabelCreated = "label_created"
	FulfillmentInTransit    = "in_transit"
	FulfillmentDelivered    = "delivered"
	FulfillmentReturned     = "returned"
	FulfillmentFailed       = "failed"
)
