package app

import "errors"

// Errors returned by the service. The API maps each to a structured error code.
var (
	ErrNotFound            = errors.New("voice add-on not found")
	ErrStoreNotFound       = errors.New("store not found")
	ErrAlreadyEnabled      = errors.New("voice add-on is already enabled for this store")
	ErrAlreadyUsed         = errors.New("payment reference has already been used")
	ErrPaymentNotApproved  = errors.New("payment has not been approved")
	ErrSubscriptionExpired = errors.New("voice add-on has expired and must be enabled again")
	ErrResourceExhausted   = errors.New("no phone numbers available")
	ErrProvisioningFailed  = errors.New("failed to provision voice assistant")
	ErrInvalidRequest      = errors.New("invalid request")
)
