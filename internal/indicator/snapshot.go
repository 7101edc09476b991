package indicator

import (
	"encoding/json"
	"fmt"
)

// Snapshot holds the serialized state of a single indicator instance.
// Fields unused by a type are omitted from the JSON form.
type Snapshot struct {
	Type   string `json:"type"`
	Period int    `json:"period"`

	Buf     []float64 `json:"buf,omitempty"` // window values, oldest first
	Count   int       `json:"count"`
	Sum     float64   `json:"sum,omitempty"`
	SumSq   float64   `json:"sum_sq,omitempty"`
	SumXY   float64   `json:"sum_xy,omitempty"`
	Current float64   `json:"current,omitempty"`
	Ready   bool      `json:"ready,omitempty"`

	PrevClose float64 `json:"prev_close,omitempty"`
	AvgGain   float64 `json:"avg_gain,omitempty"`
	AvgLoss   float64 `json:"avg_loss,omitempty"`
}

func (s Snapshot) check(typ string, period int) error {
	if s.Type != typ || s.Period != period {
		return fmt.Errorf("snapshot %s_%d does not match %s_%d", s.Type, s.Period, typ, period)
	}
	if len(s.Buf) > period {
		return fmt.Errorf("snapshot %s_%d holds %d values", typ, period, len(s.Buf))
	}
	return nil
}

// Encode returns the JSON state blob stored alongside an indicator value.
func (s Snapshot) Encode() []byte {
	out, _ := json.Marshal(s)
	return out
}

// DecodeSnapshot parses a state blob produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode indicator snapshot: %w", err)
	}
	return s, nil
}
