package ir

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainPayload separates payload hashes from any other hash the engine
// may compute. The version suffix allows a future algorithm change.
const DomainPayload = "replica/payload/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns the content hash of a canonical payload. Callers must
// pass the output of CanonicalPayload; equal payloads then hash equally.
func PayloadHash(canonical []byte) string {
	return hashWithDomain(DomainPayload, canonical)
}
