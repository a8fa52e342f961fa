package models

import (
	"strings"
	"time"
)

// Document types stored in the commerce record set.
const (
	TypeCheckoutSession   = "checkoutSession"
	TypeOrder             = "order"
	TypeInvoice           = "invoice"
	TypeCustomer          = "customer"
	TypeAbandonedCheckout = "abandonedCheckout"
	TypeProductTable      = "productTable"
	TypeStripeEvent       = "stripeEvent"
)

// Checkout session lifecycle. complete and expired are terminal.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"
)

// Order statuses written by the reconciler.
const (
	OrderStatusPaid       = "paid"
	OrderStatusFulfilled  = "fulfilled"
	OrderStatusRefunded   = "refunded"
	OrderStatusDisputed   = "disputed"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
	PaymentStatusPartial  = "partially_refunded"
)

// ProductTableID is the singleton aggregate cart ledger.
const ProductTableID = "productTable"

const draftPrefix = "drafts."

// PublishedID strips the draft-state prefix from a document ID.
func PublishedID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), draftPrefix)
}

func CheckoutSessionID(sessionID string) string { return "checkoutSession." + sessionID }
func OrderID(sessionID string) string           { return "order." + sessionID }
func AbandonedCheckoutID(checkoutID string) string {
	return "abandoned_" + checkoutID
}
func InvoiceID(stripeInvoiceID string) string { return "invoice." + stripeInvoiceID }
func StripeEventID(eventID string) string     { return "stripeEvent." + eventID }

// CustomerID keys a customer by Stripe customer ID, falling back to the
// lower-cased email when the session had no customer object.
func CustomerID(stripeCustomerID, email string) string {
	if stripeCustomerID != "" {
		return "customer." + stripeCustomerID
	}
	return "customer.email." + NormalizeEmail(email)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Reference is a one-way link to another document.
type Reference struct {
	Ref  string `json:"_ref"`
	Type string `json:"_type"`
}

func Ref(id string) *Reference {
	return &Reference{Ref: id, Type: "reference"}
}

// CartItem is one line of a cart. Price is decimal currency.
type CartItem struct {
	Key       string  `json:"_key,omitempty"`
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Image     string  `json:"image,omitempty"`
}

// Address represents a physical mailing address used for shipping.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"` // ISO 3166-1 alpha-2
	Phone      string `json:"phone,omitempty"`
}

// Attribution carries marketing parameters captured when the session was opened.
type Attribution struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

func (a *Attribution) Empty() bool {
	return a == nil || *a == Attribution{}
}

type CheckoutSession struct {
	ID                string       `json:"_id"`
	Type              string       `json:"_type"`
	SessionID         string       `json:"sessionId"`
	Status            string       `json:"status"`
	CustomerEmail     string       `json:"customerEmail,omitempty"`
	CustomerName      string       `json:"customerName,omitempty"`
	CustomerPhone     string       `json:"customerPhone,omitempty"`
	CartID            string       `json:"cartId,omitempty"`
	Cart              []CartItem   `json:"cart"`
	AmountSubtotal    float64      `json:"amountSubtotal"`
	TotalAmount       float64      `json:"totalAmount"`
	Currency          string       `json:"currency,omitempty"`
	Attribution       *Attribution `json:"attribution,omitempty"`
	RecoveryEmailSent bool         `json:"recoveryEmailSent"`
	Recovered         bool         `json:"recovered"`
	PaymentIntentID   string       `json:"paymentIntentId,omitempty"`
	Customer          *Reference   `json:"customer,omitempty"`
	SessionCreatedAt  string       `json:"sessionCreatedAt,omitempty"`
	CompletedAt       string       `json:"completedAt,omitempty"`
	ExpiredAt         string       `json:"expiredAt,omitempty"`
}

// AbandonedCheckout is the immutable snapshot taken when a session expires.
type AbandonedCheckout struct {
	ID               string       `json:"_id"`
	Type             string       `json:"_type"`
	CheckoutID       string       `json:"checkoutId"`
	SessionID        string       `json:"sessionId"`
	Status           string       `json:"status"`
	CustomerEmail    string       `json:"customerEmail,omitempty"`
	CustomerName     string       `json:"customerName,omitempty"`
	CustomerPhone    string       `json:"customerPhone,omitempty"`
	CartID           string       `json:"cartId,omitempty"`
	Cart             []CartItem   `json:"cart"`
	CartSummary      string       `json:"cartSummary"`
	ItemCount        int          `json:"itemCount"`
	AmountSubtotal   float64      `json:"amountSubtotal"`
	TotalAmount      float64      `json:"totalAmount"`
	Currency         string       `json:"currency,omitempty"`
	Attribution      *Attribution `json:"attribution,omitempty"`
	CheckoutSession  *Reference   `json:"checkoutSession,omitempty"`
	SessionCreatedAt string       `json:"sessionCreatedAt,omitempty"`
	ExpiredAt        string       `json:"expiredAt"`
}

type Fulfillment struct {
	Status         string `json:"status,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
	LabelURL       string `json:"labelUrl,omitempty"`
	ShippedAt      string `json:"shippedAt,omitempty"`
	DeliveredAt    string `json:"deliveredAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

type Refund struct {
	Key       string  `json:"_key,omitempty"`
	RefundID  string  `json:"refundId"`
	ChargeID  string  `json:"chargeId,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	Status    string  `json:"status,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

type Dispute struct {
	Key       string  `json:"_key,omitempty"`
	DisputeID string  `json:"disputeId"`
	ChargeID  string  `json:"chargeId,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	Status    string  `json:"status,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

type Order struct {
	ID              string       `json:"_id"`
	Type            string       `json:"_type"`
	OrderNumber     string       `json:"orderNumber"`
	Status          string       `json:"status"`
	PaymentIntentID string       `json:"paymentIntentId,omitempty"`
	PaymentStatus   string       `json:"paymentStatus"`
	StripeSessionID string       `json:"stripeSessionId"`
	CartID          string       `json:"cartId,omitempty"`
	CustomerEmail   string       `json:"customerEmail,omitempty"`
	CustomerName    string       `json:"customerName,omitempty"`
	CustomerPhone   string       `json:"customerPhone,omitempty"`
	ShippingAddress *Address     `json:"shippingAddress,omitempty"`
	Cart            []CartItem   `json:"cart"`
	AmountSubtotal  float64      `json:"amountSubtotal"`
	AmountShipping  float64      `json:"amountShipping"`
	AmountTax       float64      `json:"amountTax"`
	AmountDiscount  float64      `json:"amountDiscount"`
	TotalAmount     float64      `json:"totalAmount"`
	AmountRefunded  float64      `json:"amountRefunded,omitempty"`
	Currency        string       `json:"currency,omitempty"`
	Fulfillment     *Fulfillment `json:"fulfillment,omitempty"`
	Refunds         []Refund     `json:"refunds"`
	Disputes        []Dispute    `json:"disputes"`
	Customer        *Reference   `json:"customer,omitempty"`
	CheckoutSession *Reference   `json:"checkoutSession,omitempty"`
	Invoice         *Reference   `json:"invoice,omitempty"`
	CreatedAt       string       `json:"createdAt"`
}

type Invoice struct {
	ID               string     `json:"_id"`
	Type             string     `json:"_type"`
	StripeInvoiceID  string     `json:"stripeInvoiceId"`
	Number           string     `json:"number,omitempty"`
	Status           string     `json:"status"`
	AmountPaid       float64    `json:"amountPaid"`
	AmountDue        float64    `json:"amountDue"`
	Currency         string     `json:"currency,omitempty"`
	CustomerEmail    string     `json:"customerEmail,omitempty"`
	PaymentIntentID  string     `json:"paymentIntentId,omitempty"`
	HostedInvoiceURL string     `json:"hostedInvoiceUrl,omitempty"`
	InvoicePDF       string     `json:"invoicePdf,omitempty"`
	Order            *Reference `json:"order,omitempty"`
	Customer         *Reference `json:"customer,omitempty"`
	PaidAt           string     `json:"paidAt,omitempty"`
}

type Customer struct {
	ID               string `json:"_id"`
	Type             string `json:"_type"`
	StripeCustomerID string `json:"stripeCustomerId,omitempty"`
	Email            string `json:"email,omitempty"`
	Name             string `json:"name,omitempty"`
	Phone            string `json:"phone,omitempty"`
	FirstSeenAt      string `json:"firstSeenAt"`
}

// CartLedgerEntry is one row of the product table's carts[] array. An entry
// is identified by CartID and Status together.
type CartLedgerEntry struct {
	Key           string  `json:"_key"`
	CartID        string  `json:"cartId"`
	SessionID     string  `json:"sessionId"`
	Status        string  `json:"status"`
	ItemCount     int     `json:"itemCount"`
	Summary       string  `json:"summary"`
	Subtotal      float64 `json:"subtotal"`
	Currency      string  `json:"currency,omitempty"`
	CustomerEmail string  `json:"customerEmail,omitempty"`
	RecordedAt    string  `json:"recordedAt"`
}

// StripeEvent is the dedup record: created once per inbound event ID and
// never mutated.
type StripeEvent struct {
	EventID    string    `json:"eventId"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"receivedAt"`
	RawPayload string    `json:"rawPayload,omitempty"`
	// Claim identifies the delivery that created the record. Forget only
	// removes a record that still carries the caller's claim.
	Claim string `json:"-"`
}

// Timestamp renders t the way every document timestamp is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
