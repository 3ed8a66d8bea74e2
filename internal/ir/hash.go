package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainState  = "multistore/state/v1"
	DomainAction = "multistore/action/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash returns a stable digest of a state snapshot (or any slice of it).
// Two snapshots hash equal iff they are Equal.
func StateHash(v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("StateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// ActionID computes the content-addressed journal ID of a committed action.
// The session is part of the identity so two stores replaying the same
// actions never collide.
func ActionID(session string, a Action) (string, error) {
	obj := IRObject{
		"session": IRString(session),
		"type":    IRString(a.Type),
		"payload": a.PayloadOrNull(),
		"seq":     IRInt(a.Seq),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ActionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAction, canonical), nil
}
