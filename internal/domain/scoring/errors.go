package scoring

import "errors"

// Sentinel kinds for rule table errors.
var (
	ErrInvalidRules = errors.New("invalid scoring rules")
)
