package pipeline

import (
	"encoding/json"

	"github.com/UnimibEsami/ditto/internal/acks"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// acksAggregator prepares an aggregator for every label sig requests.
func acksAggregator(sig signal.Signal, correlationID string) (*acks.Aggregator, error) {
	agg, err := acks.NewAggregator(sig.EntityID, correlationID)
	if err != nil {
		return nil, err
	}
	agg.AddAcknowledgementRequests(sig.RequestedAcks())
	return agg, nil
}

// acknowledgementsReply is the JSON published to a reply target.
type acknowledgementsReply struct {
	Status int `json:"status"`
	signal.Acknowledgements
}

func marshalAcknowledgements(result signal.Acknowledgements) ([]byte, error) {
	return json.Marshal(acknowledgementsReply{Status: result.Status(), Acknowledgements: result})
}
