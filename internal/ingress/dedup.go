package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// NormalizeText trims the message and collapses whitespace runs so that
// transport formatting differences do not defeat content hashing.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DedupKey derives the idempotency key for ev. Transport identifiers win over
// caller keys, which win over the windowed content hash.
func DedupKey(ev *domain.InboundEvent, window time.Duration, receivedAt time.Time) string {
	if key := identityKey(ev); key != "" {
		return key
	}
	var bucket int64
	if window > 0 {
		bucket = receivedAt.UnixNano() / int64(window)
	}
	return contentKey(ev) + strconv.FormatInt(bucket, 10)
}

// NeighborDedupKeys returns the content-hash keys of the windows either side
// of receivedAt's. A copy that lands across a window boundary from the first
// one carries one of these. Events with identity keys have no neighbors.
func NeighborDedupKeys(ev *domain.InboundEvent, window time.Duration, receivedAt time.Time) []string {
	if window <= 0 || identityKey(ev) != "" {
		return nil
	}
	prefix := contentKey(ev)
	bucket := receivedAt.UnixNano() / int64(window)
	return []string{
		prefix + strconv.FormatInt(bucket-1, 10),
		prefix + strconv.FormatInt(bucket+1, 10),
	}
}

func identityKey(ev *domain.InboundEvent) string {
	channel := string(ev.Channel)

	if id := ev.TransportIDs[domain.TransportUpdateID]; id != "" {
		return channel + ":" + ev.EndpointIdentity + ":update:" + id
	}

	if ev.Channel == domain.ChannelEmail {
		if msgID := ev.TransportIDs[domain.TransportMessageID]; msgID != "" {
			mailbox := ev.TransportIDs[domain.TransportMailbox]
			if mailbox == "" {
				mailbox = ev.EndpointIdentity
			}
			return "email:" + mailbox + ":msg:" + msgID
		}
	}

	if ev.IdempotencyKey != "" {
		return channel + ":" + ev.EndpointIdentity + ":idem:" + ev.IdempotencyKey
	}
	return ""
}

// contentKey is the content-hash key without its window bucket.
func contentKey(ev *domain.InboundEvent) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(ev.Text)))
	h.Write([]byte{0})
	h.Write(ev.Payload)
	h.Write([]byte{0})
	h.Write([]byte(ev.SenderIdentity))
	h.Write([]byte{0})
	h.Write([]byte(ev.EndpointIdentity))
	return string(ev.Channel) + ":" + ev.EndpointIdentity + ":hash:" + hex.EncodeToString(h.Sum(nil)) + ":"
}

// ReplayKey is the dedup key of the attempt-th replay of requestID.
func ReplayKey(requestID string, attempt int) string {
	return "replay:" + requestID + ":" + strconv.Itoa(attempt)
}
