// Package account - Payout error taxonomy.
// Three error kinds drive the sequencer state machine: before-errors mean
// the broadcast cannot have landed on chain, ignore-errors mean a
// precondition failed and the payout must not retry, after-errors mean the
// broadcast may have landed and the bridge row must record a crash.
package account

import (
	"errors"
	"strings"
)

// TransactionSendBeforeError wraps an error observed before the broadcast
// could possibly have reached the chain. The bridge row stays payable and
// the in-flight entry rolls back to the queue.
type TransactionSendBeforeError struct {
	Err error
}

func (e *TransactionSendBeforeError) Error() string {
	return "transaction send before error: " + e.Err.Error()
}

func (e *TransactionSendBeforeError) Unwrap() error { return e.Err }

// TransactionSendIgError marks a precondition violation that must not
// retry: the row is already paid or in the wrong status.
type TransactionSendIgError struct {
	Reason string
}

func (e *TransactionSendIgError) Error() string {
	return "transaction send ignored: " + e.Reason
}

// TransactionSendAfterError wraps an error raised after signing, when the
// broadcast may have landed. Hash and From carry the best-known identity of
// the possibly-live transaction.
type TransactionSendAfterError struct {
	Hash string
	From string
	Err  error
}

func (e *TransactionSendAfterError) Error() string {
	return "transaction send after error: " + e.Err.Error()
}

func (e *TransactionSendAfterError) Unwrap() error { return e.Err }

// IsBeforeError reports whether err is a pre-broadcast failure.
func IsBeforeError(err error) bool {
	var be *TransactionSendBeforeError
	return errors.As(err, &be)
}

// IsIgnoreError reports whether err is a no-retry precondition violation.
func IsIgnoreError(err error) bool {
	var ie *TransactionSendIgError
	return errors.As(err, &ie)
}

// IsAfterError reports whether err is a possibly-landed broadcast failure.
func IsAfterError(err error) bool {
	var ae *TransactionSendAfterError
	return errors.As(err, &ae)
}

// nonceExpiredMarkers are provider messages meaning the vended nonce was
// already consumed on chain. Such sends definitely did not land.
var nonceExpiredMarkers = []string{
	"nonce too low",
	"nonce_expired",
	"invalid nonce",
}

// IsNonceExpired reports whether a send rejection is a stale-nonce error.
func IsNonceExpired(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonceExpiredMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// alreadyKnownMarkers mean the node already holds this exact signed
// transaction: the broadcast is live in the mempool despite the error.
var alreadyKnownMarkers = []string{
	"already known",
	"known transaction",
}

// isAlreadyKnown reports whether a send rejection means the transaction was
// broadcast before and is live.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range alreadyKnownMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// preBroadcastMarkers are provider rejections that happen during local
// validation, before the transaction enters the mempool.
var preBroadcastMarkers = []string{
	"insufficient funds",
	"underpriced",
	"intrinsic gas too low",
	"exceeds block gas limit",
}

// isPreBroadcastReject reports whether a send rejection is a local
// validation failure that cannot have produced a live transaction.
func isPreBroadcastReject(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range preBroadcastMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
