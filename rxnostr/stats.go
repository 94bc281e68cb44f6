package rxnostr

import "sync/atomic"

type counters struct {
	reqsSent         int64
	closesSent       int64
	eventsDelivered  int64
	eventsDropped    int64
	epochsCompleted  int64
	epochsTimedOut   int64
	eventsPublished  int64
	acksReceived     int64
	signingFailures  int64
	sendsTimedOut    int64
	weakReplays      int64
	manualReconnects int64
}

// Stats holds runtime counters exported by RxNostr
type Stats struct {
	ReqsSent         int64 `json:"reqs_sent"`
	ClosesSent       int64 `json:"closes_sent"`
	EventsDelivered  int64 `json:"events_delivered"`
	EventsDropped    int64 `json:"events_dropped"`
	EpochsCompleted  int64 `json:"epochs_completed"`
	EpochsTimedOut   int64 `json:"epochs_timed_out"`
	EventsPublished  int64 `json:"events_published"`
	AcksReceived     int64 `json:"acks_received"`
	SigningFailures  int64 `json:"signing_failures"`
	SendsTimedOut    int64 `json:"sends_timed_out"`
	WeakReplays      int64 `json:"weak_replays"`
	ManualReconnects int64 `json:"manual_reconnects"`
}

// Stats returns a snapshot of the engine counters
func (rx *RxNostr) Stats() Stats {
	c := &rx.counters
	return Stats{
		ReqsSent:         atomic.LoadInt64(&c.reqsSent),
		ClosesSent:       atomic.LoadInt64(&c.closesSent),
		EventsDelivered:  atomic.LoadInt64(&c.eventsDelivered),
		EventsDropped:    atomic.LoadInt64(&c.eventsDropped),
		EpochsCompleted:  atomic.LoadInt64(&c.epochsCompleted),
		EpochsTimedOut:   atomic.LoadInt64(&c.epochsTimedOut),
		EventsPublished:  atomic.LoadInt64(&c.eventsPublished),
		AcksReceived:     atomic.LoadInt64(&c.acksReceived),
		SigningFailures:  atomic.LoadInt64(&c.signingFailures),
		SendsTimedOut:    atomic.LoadInt64(&c.sendsTimedOut),
		WeakReplays:      atomic.LoadInt64(&c.weakReplays),
		ManualReconnects: atomic.LoadInt64(&c.manualReconnects),
	}
}
