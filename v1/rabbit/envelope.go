package rabbit

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names carried by every message. transactionId and createdAt are set
// once at first publish and never change afterwards.
const (
	HeaderTransactionID = "transactionId"
	HeaderCreatedAt     = "createdAt"
	HeaderCallingModule = "callingModule"
	HeaderRouteKey      = "routeKey"
	HeaderRetryCount    = "retryCount"
	HeaderRequeuedAt    = "requeuedAt"
	HeaderErrorAt       = "errorAt"
)

// TimestampLayout is the ISO-8601 layout used for createdAt, requeuedAt and errorAt.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const contentTypeJSON = "application/json"

// envelope is a serialized body plus the headers that travel with it.
type envelope struct {
	body    []byte
	headers amqp.Table
}

// envelopeCodec builds and stamps envelopes. now and newID are replaceable in tests.
type envelopeCodec struct {
	now   func() time.Time
	newID func() string
}

func newEnvelopeCodec() envelopeCodec {
	return envelopeCodec{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (c envelopeCodec) timestamp() string {
	return c.now().UTC().Format(TimestampLayout)
}

// encodeBody serializes value as JSON.
func encodeBody(value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return body, nil
}

// encode stamps the first-publish headers onto an already serialized body.
func (c envelopeCodec) encode(body []byte, routeKey string, opts PublishOptions) envelope {
	transactionID := opts.TransactionID
	if transactionID == "" {
		transactionID = c.newID()
	}

	headers := amqp.Table{
		HeaderTransactionID: transactionID,
		HeaderCreatedAt:     c.timestamp(),
	}
	if opts.CallingModule != "" {
		headers[HeaderCallingModule] = opts.CallingModule
	}
	if routeKey != "" {
		headers[HeaderRouteKey] = routeKey
	}

	return envelope{body: body, headers: headers}
}

// stampRequeue returns a copy of headers with requeuedAt set to now and
// retryCount incremented by one.
func (c envelopeCodec) stampRequeue(headers amqp.Table) amqp.Table {
	out := copyTable(headers)
	out[HeaderRequeuedAt] = c.timestamp()
	out[HeaderRetryCount] = int32(RetryCount(headers) + 1)
	return out
}

// stampError returns a copy of headers with errorAt set to now.
func (c envelopeCodec) stampError(headers amqp.Table) amqp.Table {
	out := copyTable(headers)
	out[HeaderErrorAt] = c.timestamp()
	return out
}

// decodeBody parses a delivered JSON body.
func decodeBody(queue string, body []byte) (any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &DecodingError{Queue: queue, Err: err}
	}
	return payload, nil
}

// eventOf returns the string "event" field of a decoded JSON object.
func eventOf(payload any) string {
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	event, _ := obj["event"].(string)
	return event
}

// eventOfBody extracts the "event" field from a serialized body.
func eventOfBody(body []byte) string {
	var probe struct {
		Event any `json:"event"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	event, _ := probe.Event.(string)
	return event
}

// RetryCount reads the retryCount header. A missing or unreadable value counts as 0.
func RetryCount(headers amqp.Table) int {
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		if math.IsNaN(v) {
			return 0
		}
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// HeaderString reads a string header, returning "" when absent.
func HeaderString(headers amqp.Table, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// HeaderTime parses a timestamp header written with TimestampLayout.
func HeaderTime(headers amqp.Table, key string) (time.Time, bool) {
	s := HeaderString(headers, key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func copyTable(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// carrierFromHeaders collects string headers for trace propagation.
func carrierFromHeaders(headers amqp.Table) map[string]string {
	carrier := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return carrier
}

// publishing builds the outgoing message for an envelope.
func (c envelopeCodec) publishing(e envelope) amqp.Publishing {
	return amqp.Publishing{
		Headers:      e.headers,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    HeaderString(e.headers, HeaderTransactionID),
		Timestamp:    c.now().UTC(),
		Body:         e.body,
	}
}
