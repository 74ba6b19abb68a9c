package signal

import (
	"strings"
)

// Well-known header keys.
const (
	HeaderCorrelationID    = "correlation-id"
	HeaderRequestedAcks    = "requested-acks"
	HeaderContentType      = "content-type"
	HeaderReplyTo          = "reply-to"
	HeaderResponseRequired = "response-required"
	HeaderSourceAddress    = "source-address"
	HeaderConnectionID     = "connection-id"
)

// Headers are the string key/value pairs carried by signals and
// acknowledgements. Keys are compared case-insensitively by normalising
// them to lower case on write.
//
// Headers are treated as values: the With* helpers return a copy and
// never mutate the receiver.
type Headers map[string]string

// Get returns the value for key and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[strings.ToLower(key)]
	return v, ok
}

// With returns a copy of h with key set to value.
func (h Headers) With(key, value string) Headers {
	out := h.Clone()
	out[strings.ToLower(key)] = value
	return out
}

// Clone returns a shallow copy of h. A nil receiver yields an empty map.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// CorrelationID returns the correlation id header. An empty value counts
// as absent.
func (h Headers) CorrelationID() (string, bool) {
	v, ok := h.Get(HeaderCorrelationID)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithCorrelationID returns a copy of h carrying the given correlation id.
func (h Headers) WithCorrelationID(id string) Headers {
	return h.With(HeaderCorrelationID, id)
}

// ContentType returns the content-type header or "" when unset.
func (h Headers) ContentType() string {
	v, _ := h.Get(HeaderContentType)
	return v
}

// RequestedAcks returns the acknowledgement labels requested by the
// signal, in declaration order with duplicates removed.
//
// The header value is a comma separated label list.
func (h Headers) RequestedAcks() []Label {
	raw, ok := h.Get(HeaderRequestedAcks)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	seen := make(map[Label]struct{})
	var labels []Label
	for _, part := range strings.Split(raw, ",") {
		l := Label(strings.TrimSpace(part))
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	return labels
}

// WithRequestedAcks returns a copy of h requesting the given labels.
// Passing no labels removes the header.
func (h Headers) WithRequestedAcks(labels ...Label) Headers {
	out := h.Clone()
	if len(labels) == 0 {
		delete(out, HeaderRequestedAcks)
		return out
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = string(l)
	}
	out[HeaderRequestedAcks] = strings.Join(parts, ",")
	return out
}
