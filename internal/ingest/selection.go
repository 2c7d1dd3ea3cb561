package ingest

import "time"

// Payload is one entry from a remote's payload-history endpoint: a
// timestamp plus the row/field changes it describes, already converted to
// InboundEvents sharing that timestamp.
type Payload struct {
	Ts     time.Time
	Events []InboundEvent
}

// SelectBestPayload implements the three-tier candidate selection of §4.8,
// given up to 50 newest payloads (order does not matter; this function
// re-scans regardless) and the webhook notification's own timestamp:
//
//  1. Among payloads with 0 ≤ payload.ts - webhookTs ≤ 30s, the oldest wins.
//  2. Else, among payloads within 5 minutes of webhookTs (either direction),
//     the nearest wins.
//  3. Else, the most recent payload overall wins.
//
// Returns false if payloads is empty.
func SelectBestPayload(payloads []Payload, webhookTs time.Time) (Payload, bool) {
	if len(payloads) == 0 {
		return Payload{}, false
	}

	const (
		tier1Max = 30 * time.Second
		tier2Max = 5 * time.Minute
	)

	var tier1Best *Payload
	for i := range payloads {
		delta := payloads[i].Ts.Sub(webhookTs)
		if delta < 0 || delta > tier1Max {
			continue
		}
		if tier1Best == nil || payloads[i].Ts.Before(tier1Best.Ts) {
			p := payloads[i]
			tier1Best = &p
		}
	}
	if tier1Best != nil {
		return *tier1Best, true
	}

	var tier2Best *Payload
	var tier2BestDelta time.Duration
	for i := range payloads {
		delta := payloads[i].Ts.Sub(webhookTs)
		if delta < 0 {
			delta = -delta
		}
		if delta > tier2Max {
			continue
		}
		if tier2Best == nil || delta < tier2BestDelta {
			p := payloads[i]
			tier2Best = &p
			tier2BestDelta = delta
		}
	}
	if tier2Best != nil {
		return *tier2Best, true
	}

	mostRecent := payloads[0]
	for _, p := range payloads[1:] {
		if p.Ts.After(mostRecent.Ts) {
			mostRecent = p
		}
	}
	return mostRecent, true
}
