package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoExtension          = errors.New("no wallet extension authorized the application")
	ErrNoAccount            = errors.New("wallet extension returned no accounts")
	ErrAccountNotFound      = errors.New("requested account not offered by the wallet extension")
	ErrNoSession            = errors.New("no active session")
	ErrMalformedPushPayload = errors.New("malformed push payload")
	ErrInvalidTransfer      = errors.New("invalid transfer")
)

// ConnectionError is returned when the ledger node cannot be reached.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ReadError is returned by a failed read RPC. The connection stays usable.
type ReadError struct {
	Op  string // "header", "validators", "balance"
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read error [%s]: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// SubmissionError is returned when a transaction could not be built, signed or
// was rejected by the node.
type SubmissionError struct {
	Hash string // empty if the tx never got signed
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("submission error: %v", e.Err)
	}
	return fmt.Sprintf("submission error [%s]: %v", e.Hash, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
