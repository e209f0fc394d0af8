// Package stream derives the store key that addresses one aggregate's
// ordered event log.
package stream

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the aggregate type and identifier. It is not allowed
// inside an aggregate type, so the first occurrence in a key always marks
// the boundary and identifiers may contain anything.
const Separator = ":"

var (
	// ErrInvalidType is returned for an empty aggregate type or one that
	// contains Separator.
	ErrInvalidType = errors.New("invalid aggregate type")
	// ErrEmptyID is returned for an empty aggregate identifier.
	ErrEmptyID = errors.New("empty aggregate identifier")
)

// Key returns the store key for the aggregate identified by
// (aggregateType, aggregateID).
func Key(aggregateType, aggregateID string) (string, error) {
	if aggregateType == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidType)
	}
	if strings.Contains(aggregateType, Separator) {
		return "", fmt.Errorf("%w: %q contains %q", ErrInvalidType, aggregateType, Separator)
	}
	if aggregateID == "" {
		return "", ErrEmptyID
	}
	return aggregateType + Separator + aggregateID, nil
}

// Split is the inverse of Key.
func Split(key string) (aggregateType, aggregateID string, err error) {
	aggregateType, aggregateID, ok := strings.Cut(key, Separator)
	if !ok || aggregateType == "" || aggregateID == "" {
		return "", "", fmt.Errorf("malformed stream key %q", key)
	}
	return aggregateType, aggregateID, nil
}
