package scorer

import "github.com/vreid/arbiter/internal/pkg/protocol"

// Scorecard is the downstream penalty/scoring view of one participant.
type Scorecard struct {
	Participant protocol.ParticipantID `json:"participant"`
	Rating      float64                `json:"rating"`
	Matches     int64                  `json:"matches"`
	Forfeits    int64                  `json:"forfeits"`
}
