package service

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrTokenAlreadyRedeemed  = errors.New("token already redeemed")
	ErrValidationRejected    = errors.New("submission rejected by verification service")
	ErrValidationUnavailable = errors.New("verification service unavailable")
)
