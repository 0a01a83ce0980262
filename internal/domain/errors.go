package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type RoleError struct {
	Required Role
	Actual   Role
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("role %s required, caller has %s", e.Required, e.Actual)
}

type SelfApprovalError struct {
	ActorID string
}

func (e *SelfApprovalError) Error() string {
	return fmt.Sprintf("actor %s cannot approve their own request", e.ActorID)
}

type StateError struct {
	Entity string
	From   string
	To     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s cannot transition %s -> %s", e.Entity, e.From, e.To)
}

type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// Gateway error taxonomy. A GasInsufficientError or SubmissionError means no
// transaction reached the chain; a TimeoutError means one may still be in
// flight at the custodian and must never trigger resubmission.
type GasInsufficientError struct {
	Available string
	Required  string
}

func (e *GasInsufficientError) Error() string {
	return fmt.Sprintf("insufficient gas: available %s, required %s", e.Available, e.Required)
}

type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string { return "submission failed: " + e.Reason }

type TimeoutError struct {
	TaskID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("confirmation timed out for task %s; transaction may still be in flight", e.TaskID)
}

type NotMintedError struct {
	AssetID string
	Status  CustodyStatus
}

func (e *NotMintedError) Error() string {
	return fmt.Sprintf("asset %s is not minted (status %s)", e.AssetID, e.Status)
}

type InsufficientQuantityError struct {
	Requested string
	Available string
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("requested quantity %s exceeds available %s", e.Requested, e.Available)
}

type OversellError struct {
	ListingID string
	Requested string
	Remaining string
}

func (e *OversellError) Error() string {
	return fmt.Sprintf("accepting %s would oversell listing %s (remaining %s)", e.Requested, e.ListingID, e.Remaining)
}
