package messaging

import "github.com/google/uuid"

// uuid4 generates a random identifier, used for CloudEvent ids and
// anywhere else the engine needs an opaque unique token.
func uuid4() string {
	return uuid.New().String()
}
