package tool

import (
	"errors"

	"floorbot/internal/domain"
)

// containedSentinels are tool-level failures fed back to the model as an
// error payload. Every other error (catalog outage, cancelled context) is an
// upstream failure and ends the turn.
var containedSentinels = []error{
	domain.ErrToolArgument,
	domain.ErrInvalidInput,
	domain.ErrProductNotFound,
	domain.ErrNoValidItems,
	domain.ErrToolNotFound,
}

// isContained reports whether err can be reported back to the model.
func isContained(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range containedSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// containedMessage is the text shown to the model for a contained error.
// Lookup failures use fixed phrasing; argument errors carry their detail.
func containedMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return "Product not found"
	case errors.Is(err, domain.ErrNoValidItems):
		return "No valid items found"
	case errors.Is(err, domain.ErrToolNotFound):
		return "unknown function"
	}
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}
