package domain

import "errors"

var (
	ErrMissingInstrument  = errors.New("analytics update missing instrument id")
	ErrConfidenceRange    = errors.New("confidence outside [0,1]")
	ErrNegativeRiskReward = errors.New("risk/reward ratio cannot be negative")
)
