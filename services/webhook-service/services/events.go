package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v80"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
)

var ErrMalformedEvent = errors.New("malformed webhook payload")

var validate = validator.New()

// Event is one inbound delivery, decoded into the variant for its type.
type Event interface {
	Meta() EventMeta
	isEvent()
}

type EventMeta struct {
	ID       string
	Type     string
	Livemode bool
	Created  time.Time
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) isEvent()          {}

// SessionData is the part of a checkout session the reconciler uses, with
// amounts already converted to decimal currency.
type SessionData struct {
	SessionID        string
	Status           string
	PaymentStatus    string
	PaymentIntentID  string
	StripeCustomerID string
	Email            string
	Name             string
	Phone            string
	Currency         string
	AmountSubtotal   float64
	AmountTotal      float64
	AmountShipping   float64
	AmountTax        float64
	AmountDiscount   float64
	CartID           string
	Cart             []models.CartItem
	ShippingAddress  *models.Address
	Attribution      *models.Attribution
	OrderID          string
	RecoveredFrom    string
	Created          time.Time
	ExpiresAt        time.Time
}

type CheckoutCompleted struct {
	EventMeta
	Session SessionData
}

type CheckoutExpired struct {
	EventMeta
	Session SessionData
}

type ShipmentUpdate struct {
	EventMeta
	Target         Candidates
	TrackingNumber string
	Carrier        string
	Status         string
	StatusDetails  string
	TrackingURL    string
	LabelURL       string
	StatusDate     time.Time // zero for an undated label delivery
}

type RefundData struct {
	RefundID string
	Amount   float64
	Currency string
	Status   string
	Reason   string
	Created  time.Time
}

// RefundUpdate carries individual refunds (refund.* events) and, for
// charge.refunded, the cumulative refunded amount of the charge.
type RefundUpdate struct {
	EventMeta
	Target         Candidates
	ChargeID       string
	Refunds        []RefundData
	AmountRefunded float64
	Currency       string
}

type DisputeUpdate struct {
	EventMeta
	Target    Candidates
	DisputeID string
	ChargeID  string
	Amount    float64
	Currency  string
	Status    string
	Reason    string
	Created   time.Time
}

type PaymentUpdate struct {
	EventMeta
	Target          Candidates
	PaymentIntentID string
	PaymentStatus   string
}

type InvoicePaid struct {
	EventMeta
	Target           Candidates
	InvoiceID        string
	Number           string
	Status           string
	AmountPaid       float64
	AmountDue        float64
	Currency         string
	CustomerEmail    string
	StripeCustomerID string
	PaymentIntentID  string
	HostedInvoiceURL string
	InvoicePDF       string
	PaidAt           time.Time
}

// Ignored is a verified event of a type the reconciler has no handler for.
type Ignored struct {
	EventMeta
}

// Metadata keys written by the storefront when it opens a checkout session.
const (
	metaOrderID       = "order_id"
	metaCartID        = "cart_id"
	metaCartItems     = "cart_items"
	metaRecoveredFrom = "recovered_from"
	metaCustomerEmail = "customer_email"
)

// FromStripe decodes a verified Stripe event into its variant. Each type
// has its own extractor; required fields missing from the payload yield
// ErrMalformedEvent.
func FromStripe(ev stripe.Event) (Event, error) {
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: event has no id or type", ErrMalformedEvent)
	}
	meta := EventMeta{ID: ev.ID, Type: string(ev.Type), Livemode: ev.Livemode, Created: time.Unix(ev.Created, 0).UTC()}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, ev.ID)
	}
	raw := ev.Data.Raw

	switch meta.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		s, err := sessionFrom(raw)
		if err != nil {
			return nil, err
		}
		return CheckoutCompleted{EventMeta: meta, Session: s}, nil
	case "checkout.session.expired":
		s, err := sessionFrom(raw)
		if err != nil {
			return nil, err
		}
		return CheckoutExpired{EventMeta: meta, Session: s}, nil
	case "charge.refunded":
		return refundFromCharge(meta, raw)
	case "refund.created", "refund.updated", "charge.refund.updated":
		return refundFromRefund(meta, raw)
	case "charge.dispute.created", "charge.dispute.updated", "charge.dispute.closed":
		return disputeFrom(meta, raw)
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		return paymentFrom(meta, raw)
	case "invoice.paid", "invoice.payment_succeeded":
		return invoiceFrom(meta, raw)
	}
	return Ignored{EventMeta: meta}, nil
}

func decode(raw json.RawMessage, v any, kind string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, kind, err)
	}
	return nil
}

// shippingDetails covers both locations Stripe has used for the collected
// shipping address.
type shippingDetails struct {
	ShippingDetails      *stripeShipping `json:"shipping_details"`
	CollectedInformation *struct {
		ShippingDetails *stripeShipping `json:"shipping_details"`
	} `json:"collected_information"`
}

type stripeShipping struct {
	Name    string         `json:"name"`
	Address *stripeAddress `json:"address"`
}

type stripeAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// metadataCartItem is the storefront's cart line; price is in minor units.
type metadataCartItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
	Image     string `json:"image"`
}

func sessionFrom(raw json.RawMessage) (SessionData, error) {
	var sess stripe.CheckoutSession
	if err := decode(raw, &sess, "checkout session"); err != nil {
		return SessionData{}, err
	}
	if sess.ID == "" {
		return SessionData{}, fmt.Errorf("%w: checkout session has no id", ErrMalformedEvent)
	}
	currency := string(sess.Currency)
	s := SessionData{
		SessionID:      sess.ID,
		Status:         string(sess.Status),
		PaymentStatus:  string(sess.PaymentStatus),
		Currency:       currency,
		AmountSubtotal: models.FromMinor(sess.AmountSubtotal, currency),
		AmountTotal:    models.FromMinor(sess.AmountTotal, currency),
		Email:          sess.CustomerEmail,
		CartID:         sess.Metadata[metaCartID],
		OrderID:        models.PublishedID(sess.Metadata[metaOrderID]),
		RecoveredFrom:  sess.Metadata[metaRecoveredFrom],
		Attribution:    attributionFrom(sess.Metadata),
		Created:        unix(sess.Created),
		ExpiresAt:      unix(sess.ExpiresAt),
	}
	if sess.PaymentIntent != nil {
		s.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Customer != nil {
		s.StripeCustomerID = sess.Customer.ID
	}
	if d := sess.CustomerDetails; d != nil {
		if d.Email != "" {
			s.Email = d.Email
		}
		s.Name = d.Name
		s.Phone = d.Phone
		if a := d.Address; a != nil && s.ShippingAddress == nil {
			s.ShippingAddress = &models.Address{Name: d.Name, Line1: a.Line1, Line2: a.Line2, City: a.City, State: a.State, PostalCode: a.PostalCode, Country: a.Country}
		}
	}
	if s.Email == "" {
		s.Email = sess.Metadata[metaCustomerEmail]
	}
	s.Email = models.NormalizeEmail(s.Email)
	if t := sess.TotalDetails; t != nil {
		s.AmountShipping = models.FromMinor(t.AmountShipping, currency)
		s.AmountTax = models.FromMinor(t.AmountTax, currency)
		s.AmountDiscount = models.FromMinor(t.AmountDiscount, currency)
	}

	var ship shippingDetails
	if err := decode(raw, &ship, "shipping details"); err != nil {
		return SessionData{}, err
	}
	sd := ship.ShippingDetails
	if sd == nil && ship.CollectedInformation != nil {
		sd = ship.CollectedInformation.ShippingDetails
	}
	if sd != nil && sd.Address != nil {
		a := sd.Address
		s.ShippingAddress = &models.Address{Name: sd.Name, Line1: a.Line1, Line2: a.Line2, City: a.City, State: a.State, PostalCode: a.PostalCode, Country: a.Country, Phone: s.Phone}
	}

	if items := sess.Metadata[metaCartItems]; items != "" {
		cart, err := cartFromMetadata(items, currency)
		if err != nil {
			return SessionData{}, err
		}
		s.Cart = cart
	}
	return s, nil
}

func cartFromMetadata(items, currency string) ([]models.CartItem, error) {
	var lines []metadataCartItem
	if err := json.Unmarshal([]byte(items), &lines); err != nil {
		return nil, fmt.Errorf("%w: cart_items metadata: %v", ErrMalformedEvent, err)
	}
	cart := make([]models.CartItem, 0, len(lines))
	for i, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		cart = append(cart, models.CartItem{
			Key:       cartItemKey(l.ProductID, i),
			ProductID: l.ProductID,
			Name:      l.Name,
			SKU:       l.SKU,
			Quantity:  l.Quantity,
			Price:     models.FromMinor(l.Price, currency),
			Image:     l.Image,
		})
	}
	return cart, nil
}

func cartItemKey(productID string, i int) string {
	if productID == "" {
		return fmt.Sprintf("item-%d", i)
	}
	return fmt.Sprintf("%s-%d", productID, i)
}

func attributionFrom(md map[string]string) *models.Attribution {
	a := &models.Attribution{
		Source:   md["utm_source"],
		Medium:   md["utm_medium"],
		Campaign: md["utm_campaign"],
		Term:     md["utm_term"],
		Content:  md["utm_content"],
		Referrer: md["referrer"],
	}
	if a.Empty() {
		return nil
	}
	return a
}

func refundFromCharge(meta EventMeta, raw json.RawMessage) (Event, error) {
	var ch stripe.Charge
	if err := decode(raw, &ch, "charge"); err != nil {
		return nil, err
	}
	if ch.ID == "" {
		return nil, fmt.Errorf("%w: charge has no id", ErrMalformedEvent)
	}
	currency := string(ch.Currency)
	u := RefundUpdate{
		EventMeta:      meta,
		ChargeID:       ch.ID,
		Target:         chargeTarget(&ch),
		AmountRefunded: models.FromMinor(ch.AmountRefunded, currency),
		Currency:       currency,
	}
	// newer API versions no longer embed the refund list in the charge
	if ch.Refunds != nil {
		for _, r := range ch.Refunds.Data {
			if r == nil || r.ID == "" {
				continue
			}
			u.Refunds = append(u.Refunds, refundData(r, currency))
		}
	}
	return u, nil
}

func refundFromRefund(meta EventMeta, raw json.RawMessage) (Event, error) {
	var r stripe.Refund
	if err := decode(raw, &r, "refund"); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%w: refund has no id", ErrMalformedEvent)
	}
	u := RefundUpdate{EventMeta: meta, Currency: string(r.Currency), Refunds: []RefundData{refundData(&r, string(r.Currency))}}
	u.Target.OrderID = models.PublishedID(r.Metadata[metaOrderID])
	if r.PaymentIntent != nil {
		u.Target.PaymentIntentID = r.PaymentIntent.ID
	}
	if r.Charge != nil {
		u.ChargeID = r.Charge.ID
		if u.Target.PaymentIntentID == "" && r.Charge.PaymentIntent != nil {
			u.Target.PaymentIntentID = r.Charge.PaymentIntent.ID
		}
	}
	return u, nil
}

func refundData(r *stripe.Refund, fallbackCurrency string) RefundData {
	currency := string(r.Currency)
	if currency == "" {
		currency = fallbackCurrency
	}
	return RefundData{
		RefundID: r.ID,
		Amount:   models.FromMinor(r.Amount, currency),
		Currency: currency,
		Status:   string(r.Status),
		Reason:   string(r.Reason),
		Created:  unix(r.Created),
	}
}

func chargeTarget(ch *stripe.Charge) Candidates {
	c := Candidates{OrderID: models.PublishedID(ch.Metadata[metaOrderID])}
	if ch.PaymentIntent != nil {
		c.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.BillingDetails != nil {
		c.Email = ch.BillingDetails.Email
	}
	if c.Email == "" {
		c.Email = ch.ReceiptEmail
	}
	c.Email = models.NormalizeEmail(c.Email)
	return c
}

func disputeFrom(meta EventMeta, raw json.RawMessage) (Event, error) {
	var d stripe.Dispute
	if err := decode(raw, &d, "dispute"); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, fmt.Errorf("%w: dispute has no id", ErrMalformedEvent)
	}
	u := DisputeUpdate{
		EventMeta: meta,
		DisputeID: d.ID,
		Amount:    models.FromMinor(d.Amount, string(d.Currency)),
		Currency:  string(d.Currency),
		Status:    string(d.Status),
		Reason:    string(d.Reason),
		Created:   unix(d.Created),
	}
	u.Target.OrderID = models.PublishedID(d.Metadata[metaOrderID])
	if d.PaymentIntent != nil {
		u.Target.PaymentIntentID = d.PaymentIntent.ID
	}
	if d.Charge != nil {
		u.ChargeID = d.Charge.ID
		if u.Target.PaymentIntentID == "" && d.Charge.PaymentIntent != nil {
			u.Target.PaymentIntentID = d.Charge.PaymentIntent.ID
		}
	}
	return u, nil
}

func paymentFrom(meta EventMeta, raw json.RawMessage) (Event, error) {
	var pi stripe.PaymentIntent
	if err := decode(raw, &pi, "payment intent"); err != nil {
		return nil, err
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent has no id", ErrMalformedEvent)
	}
	status := models.PaymentStatusPaid
	if meta.Type == "payment_intent.payment_failed" {
		status = models.PaymentStatusFailed
	}
	return PaymentUpdate{
		EventMeta:       meta,
		PaymentIntentID: pi.ID,
		PaymentStatus:   status,
		Target: Candidates{
			OrderID:         models.PublishedID(pi.Metadata[metaOrderID]),
			PaymentIntentID: pi.ID,
			Email:           models.NormalizeEmail(pi.ReceiptEmail),
		},
	}, nil
}

func invoiceFrom(meta EventMeta, raw json.RawMessage) (Event, error) {
	var inv stripe.Invoice
	if err := decode(raw, &inv, "invoice"); err != nil {
		return nil, err
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice has no id", ErrMalformedEvent)
	}
	currency := string(inv.Currency)
	u := InvoicePaid{
		EventMeta:        meta,
		InvoiceID:        inv.ID,
		Number:           inv.Number,
		Status:           string(inv.Status),
		AmountPaid:       models.FromMinor(inv.AmountPaid, currency),
		AmountDue:        models.FromMinor(inv.AmountDue, currency),
		Currency:         currency,
		CustomerEmail:    models.NormalizeEmail(inv.CustomerEmail),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		InvoicePDF:       inv.InvoicePDF,
		PaidAt:           meta.Created,
	}
	if inv.Customer != nil {
		u.StripeCustomerID = inv.Customer.ID
	}
	if inv.PaymentIntent != nil {
		u.PaymentIntentID = inv.PaymentIntent.ID
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		u.PaidAt = unix(inv.StatusTransitions.PaidAt)
	}
	// invoices are never linked by email
	u.Target = Candidates{
		OrderID:         models.PublishedID(inv.Metadata[metaOrderID]),
		PaymentIntentID: u.PaymentIntentID,
	}
	return u, nil
}

// FromShipping decodes a verified shipping-provider delivery. The event ID
// is derived from payload fields only, so the provider's retries of one
// update share an ID. A label delivery without a provider timestamp is
// undated: StatusDate stays zero and received only dates the event for
// the deferral window.
func FromShipping(payload []byte, received time.Time) (Event, error) {
	var wh models.ShippingWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := validate.Struct(wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	d := wh.Data

	u := ShipmentUpdate{
		TrackingNumber: d.TrackingNumber,
		Carrier:        d.Carrier,
		TrackingURL:    d.TrackingURL,
		LabelURL:       d.LabelURL,
		Target:         candidatesFromShippingMetadata(d.Metadata),
	}
	switch {
	case d.TrackingStatus != nil:
		u.Status = fulfillmentStatus(d.TrackingStatus.Status)
		u.StatusDetails = d.TrackingStatus.StatusDetails
		u.StatusDate = d.TrackingStatus.StatusDate.UTC()
	default:
		u.Status = models.FulfillmentLabelCreated
	}
	if u.StatusDate.IsZero() {
		u.StatusDate = firstTime(d.ObjectUpdated, d.ObjectCreated).UTC()
	}

	created := u.StatusDate
	if created.IsZero() {
		created = received.UTC()
	}
	u.EventMeta = EventMeta{
		ID:       shippingEventID(wh.Event, d.ObjectID, d.TrackingNumber, u.Status, u.StatusDate, d.LabelURL),
		Type:     "shipping." + wh.Event,
		Livemode: !wh.Test,
		Created:  created,
	}
	return u, nil
}

func shippingEventID(event, objectID, tracking, status string, date time.Time, label string) string {
	stamp := ""
	if !date.IsZero() {
		stamp = date.Format(time.RFC3339)
	}
	return "ship_" + shortHash(strings.Join([]string{event, objectID, tracking, status, stamp, label}, "|"), 24)
}

func firstTime(times ...time.Time) time.Time {
	for _, t := range times {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func fulfillmentStatus(carrier string) string {
	switch strings.ToUpper(carrier) {
	case "PRE_TRANSIT":
		return models.FulfillmentLabelCreated
	case "TRANSIT":
		return models.FulfillmentInTransit
	case "DELIVERED":
		return models.FulfillmentDelivered
	case "RETURNED":
		return models.FulfillmentReturned
	case "FAILURE":
		return models.FulfillmentFailed
	}
	return strings.ToLower(carrier)
}

func candidatesFromShippingMetadata(md string) Candidates {
	md = strings.TrimSpace(md)
	if md == "" {
		return Candidates{}
	}
	fields := map[string]string{}
	if strings.HasPrefix(md, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(md), &obj); err == nil {
			for k, v := range obj {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
		}
	} else if strings.Contains(md, "=") {
		for _, pair := range strings.FieldsFunc(md, func(r rune) bool { return r == ';' || r == ',' || r == '&' }) {
			k, v, ok := strings.Cut(pair, "=")
			if ok {
				fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	} else {
		// "Order order.cs_123" or a bare ID
		parts := strings.Fields(md)
		fields[metaOrderID] = parts[len(parts)-1]
	}
	return Candidates{
		OrderID:         models.PublishedID(fields[metaOrderID]),
		PaymentIntentID: fields["payment_intent"],
		SessionID:       fields["session_id"],
		Email:           models.NormalizeEmail(fields["email"]),
	}
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
