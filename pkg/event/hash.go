package event

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"hearth/pkg/cjson"
)

// contentHashPreimage is the canonical event with hashes, signatures and
// unsigned stripped.
func (e *Event) contentHashPreimage() ([]byte, error) {
	m, err := e.asMap()
	if err != nil {
		return nil, err
	}
	delete(m, "hashes")
	delete(m, "signatures")
	delete(m, "unsigned")
	return cjson.Marshal(m)
}

// ContentHash computes sha256 over the content hash preimage.
func (e *Event) ContentHash() ([]byte, error) {
	pre, err := e.contentHashPreimage()
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(pre)
	return h[:], nil
}

// SetContentHash fills hashes.sha256 with the unpadded base64 digest.
func (e *Event) SetContentHash() error {
	h, err := e.ContentHash()
	if err != nil {
		return err
	}
	if e.Hashes == nil {
		e.Hashes = map[string]string{}
	}
	e.Hashes["sha256"] = base64.RawStdEncoding.EncodeToString(h)
	e.Invalidate()
	return nil
}

// VerifyContentHash checks hashes.sha256 against the recomputed digest.
func (e *Event) VerifyContentHash() error {
	want, ok := e.Hashes["sha256"]
	if !ok {
		return fmt.Errorf("missing hashes.sha256")
	}
	h, err := e.ContentHash()
	if err != nil {
		return err
	}
	got := base64.RawStdEncoding.EncodeToString(h)
	// tolerate padded encodings from older peers
	if got != want && got != trimPad(want) {
		return fmt.Errorf("content hash mismatch")
	}
	return nil
}

func trimPad(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}
