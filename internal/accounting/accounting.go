// Package accounting converts usage counters into billing amounts.
// Amounts are integer micro-dollars so arithmetic stays exact.
package accounting

import "fmt"

// Micros is a money amount in millionths of a dollar.
type Micros int64

// String renders the amount as a dollar figure.
func (m Micros) String() string {
	return fmt.Sprintf("$%.6f", float64(m)/1e6)
}

// TokenPricer prices completion tokens.
type TokenPricer struct {
	perToken Micros
}

// NewTokenPricer creates a TokenPricer with the given per-token rate.
func NewTokenPricer(perToken Micros) TokenPricer {
	return TokenPricer{perToken: perToken}
}

// Cost returns the price of n tokens.
func (p TokenPricer) Cost(n int64) Micros {
	return Micros(n) * p.perToken
}

// TranscriptionPricer prices transcribed audio by the minute.
type TranscriptionPricer struct {
	perMinute Micros
}

// NewTranscriptionPricer creates a TranscriptionPricer with the given
// per-minute rate.
func NewTranscriptionPricer(perMinute Micros) TranscriptionPricer {
	return TranscriptionPricer{perMinute: perMinute}
}

// Cost returns the price of secs seconds of transcription.
func (p TranscriptionPricer) Cost(secs float64) Micros {
	return Micros(secs / 60 * float64(p.perMinute))
}
