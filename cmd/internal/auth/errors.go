package auth

import "errors"

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
	ErrKeyMissing        = errors.New("ticket key missing")
	ErrKeyTooShort       = errors.New("ticket key too short")
)
