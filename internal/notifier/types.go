package notifier

import (
	"encoding/json"
	"time"
)

// Config controls the publish pipeline.
type Config struct {
	Enabled       bool
	URL           string
	Exchange      string
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// DefaultExchange is used when Config.Exchange is empty.
const DefaultExchange = "rolecast.events"

// Message is the JSON body of a published event.
type Message struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}
