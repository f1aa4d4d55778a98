package model

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionYes   Direction = "YES"
	DirectionNo    Direction = "NO"
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Normalize upper-cases the direction; unknown values become empty.
func (d Direction) Normalize() Direction {
	n := Direction(strings.ToUpper(strings.TrimSpace(string(d))))
	switch n {
	case DirectionYes, DirectionNo, DirectionLong, DirectionShort:
		return n
	default:
		return ""
	}
}

// Outcome maps the direction onto the binary outcome token that expresses it.
// long is a YES position, short is a NO position.
func (d Direction) Outcome() string {
	switch d.Normalize() {
	case DirectionYes, DirectionLong:
		return OutcomeYes
	case DirectionNo, DirectionShort:
		return OutcomeNo
	default:
		return ""
	}
}

// Opposite returns the other outcome of a binary market.
func Opposite(outcome string) string {
	if strings.EqualFold(outcome, OutcomeYes) {
		return OutcomeNo
	}
	return OutcomeYes
}

// Signal is a directional trading opportunity from the research layer.
// Immutable once published.
type Signal struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	EdgeEstimate float64   `json:"edge_estimate"`
	// Optional. Zero means the sizer uses its configured default.
	VarianceEstimate float64 `json:"variance_estimate,omitempty"`
	// Market probability the edge was measured against. Zero means use the live book.
	ReferencePrice float64   `json:"reference_price,omitempty"`
	SourceLayer    string    `json:"source_layer"`
	CreatedAt      time.Time `json:"created_at"`

	// Stamped by the validator on acceptance.
	Sequence uint64 `json:"sequence,omitempty"`
}

func (s Signal) CausalityID() string { return s.ID }
