package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxQueryBytes bounds a single user query.
const maxQueryBytes = 100_000

// ValidateQuery validates the text of a send request.
func ValidateQuery(query string) error {
	if len(query) == 0 {
		return errors.New("query cannot be empty")
	}
	if len(query) > maxQueryBytes {
		return errors.New("query exceeds maximum length")
	}
	if !utf8.ValidString(query) {
		return errors.New("query must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation id.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}
