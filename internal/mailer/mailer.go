// Package mailer abstracts the e-mail dispatch backend that delivers
// one-time codes out-of-band.
package mailer

import "errors"

var ErrInvalidAddress = errors.New("invalid e-mail address")

// Mailer is a generic e-mail dispatch backend.
type Mailer interface {
	// ID returns the name of the Mailer.
	ID() string

	// Push sends a message. The body is HTML.
	Push(to, subject string, body []byte) error
}
