package store

import "qms/barberline/internal/apperr"

var (
	ErrTicketNotFound       = apperr.New(apperr.NotFound, "ticket not found")
	ErrUserNotFound         = apperr.New(apperr.NotFound, "user not found")
	ErrBranchNotFound       = apperr.New(apperr.NotFound, "branch not found")
	ErrRewardNotFound       = apperr.New(apperr.NotFound, "reward not found")
	ErrInvalidState         = apperr.New(apperr.FailedPrecondition, "ticket state does not allow this action")
	ErrActiveTicketExists   = apperr.New(apperr.AlreadyExists, "user already holds an active ticket at this branch")
	ErrQueueFull            = apperr.New(apperr.ResourceExhausted, "queue has reached its advance limit")
	ErrNegativeBalance      = apperr.New(apperr.FailedPrecondition, "point balance is negative")
	ErrRewardUnavailable    = apperr.New(apperr.FailedPrecondition, "reward status does not allow this action")
	ErrRewardExpired        = apperr.New(apperr.FailedPrecondition, "reward has expired")
	ErrRewardAlreadyApplied = apperr.New(apperr.FailedPrecondition, "ticket already has a reward applied")
	ErrRewardMismatch       = apperr.New(apperr.FailedPrecondition, "reward does not match the ticket owner or franchise")
	ErrRewardNotOwned       = apperr.New(apperr.PermissionDenied, "reward belongs to another user")
	ErrRewardCodeTaken      = apperr.New(apperr.AlreadyExists, "reward code already issued")
	ErrBranchMismatch       = apperr.New(apperr.PermissionDenied, "ticket belongs to a different branch")
	ErrAccessDenied         = apperr.New(apperr.PermissionDenied, "access denied")
)
