package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
)

// Label identifies a category of acknowledgement, e.g. "twin-persisted".
type Label string

// Built-in acknowledgement labels.
const (
	LabelTwinPersisted Label = "twin-persisted"
	LabelLiveResponse  Label = "live-response"
)

var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9_:\-{}]{3,165}$`)

// Validate checks the label against the allowed character set and length.
func (l Label) Validate() error {
	if !labelPattern.MatchString(string(l)) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, string(l))
	}
	return nil
}

// Acknowledgement confirms (or rejects) the handling of a request for one label.
type Acknowledgement struct {
	Label    Label           `json:"label"`
	EntityID EntityID        `json:"entityId"`
	Status   int             `json:"status"`
	Headers  Headers         `json:"headers,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewAcknowledgement builds an acknowledgement bound to the given
// correlation id.
func NewAcknowledgement(label Label, entity EntityID, status int, correlationID string) Acknowledgement {
	return Acknowledgement{
		Label:    label,
		EntityID: entity,
		Status:   status,
		Headers:  Headers{}.WithCorrelationID(correlationID),
	}
}

// IsSuccess reports a 2xx status.
func (a Acknowledgement) IsSuccess() bool {
	return a.Status >= http.StatusOK && a.Status < http.StatusMultipleChoices
}

// IsTimeout reports the request-timeout status used for pending entries.
func (a Acknowledgement) IsTimeout() bool {
	return a.Status == http.StatusRequestTimeout
}

// Acknowledgements is the aggregated outcome for one correlated request.
//
// Entries keep the order in which the labels were requested. An
// Acknowledgements value with no entries is the empty result returned
// when nothing was requested.
type Acknowledgements struct {
	EntityID EntityID          `json:"entityId"`
	Entries  []Acknowledgement `json:"acknowledgements"`
	Headers  Headers           `json:"headers,omitempty"`
}

// IsEmpty reports whether no acknowledgement was ever requested.
func (a Acknowledgements) IsEmpty() bool {
	return len(a.Entries) == 0
}

// Status summarises the entries: 200 when all succeeded, the single
// entry's status when there is exactly one, otherwise 424 (failed
// dependency) to signal a partial failure.
func (a Acknowledgements) Status() int {
	switch len(a.Entries) {
	case 0:
		return http.StatusOK
	case 1:
		return a.Entries[0].Status
	}
	for _, e := range a.Entries {
		if !e.IsSuccess() {
			return http.StatusFailedDependency
		}
	}
	return http.StatusOK
}

// Get returns the entry for label, if present.
func (a Acknowledgements) Get(label Label) (Acknowledgement, bool) {
	for _, e := range a.Entries {
		if e.Label == label {
			return e, true
		}
	}
	return Acknowledgement{}, false
}
