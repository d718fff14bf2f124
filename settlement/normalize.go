package settlement

import (
	"encoding/json"
	"net/url"
)

// webhookBody is the subset of the provider's webhook payload that matters
// for routing. data.id arrives as a number on some delivery paths and as a
// string on others; json.Number absorbs both.
type webhookBody struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// paymentActions are the body-shape action values that describe a payment
// lifecycle change worth settling.
var paymentActions = map[string]bool{
	"payment.created": true,
	"payment.updated": true,
}

// Normalize collapses the provider's two webhook shapes into a canonical
// PaymentEvent. The legacy shape carries topic and id in the query string
// (with "type" and "data.id" as aliases); the current shape carries an
// action and data.id in the JSON body. Anything that is not a payment
// notification with a resolvable id normalizes to EventKindIgnored.
//
// Normalize is pure and total: malformed bodies and unknown shapes are not
// errors, they are ignored events.
func Normalize(query url.Values, body []byte) PaymentEvent {
	var parsed webhookBody
	if len(body) > 0 {
		// Best effort: a body that does not parse contributes nothing.
		_ = json.Unmarshal(body, &parsed)
	}

	topic := query.Get("topic")
	if topic == "" {
		topic = query.Get("type")
	}
	if topic == "" {
		topic = parsed.Type
	}

	id := query.Get("id")
	if id == "" {
		id = query.Get("data.id")
	}
	if id == "" {
		id = parsed.Data.ID.String()
	}

	isPayment := topic == "payment" || paymentActions[parsed.Action]
	if !isPayment || id == "" {
		return PaymentEvent{Kind: EventKindIgnored}
	}
	return PaymentEvent{Kind: EventKindPayment, PaymentID: id}
}
