package domain

import (
	"encoding/json"
	"fmt"
)

// MarshalAggregate encodes an aggregate snapshot.
func MarshalAggregate(agg Aggregate) ([]byte, error) {
	if agg == nil {
		return nil, fmt.Errorf("marshal aggregate: nil aggregate")
	}
	return json.Marshal(agg)
}

// UnmarshalAggregate decodes a snapshot previously produced by
// MarshalAggregate for the given kind.
func UnmarshalAggregate(kind Kind, data []byte) (Aggregate, error) {
	switch kind {
	case KindBoard:
		var b Board
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode board: %w", err)
		}
		return b, nil
	case KindList:
		var l List
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return l, nil
	case KindCard:
		var c Card
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode card: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("decode aggregate: unknown kind %q", kind)
}
