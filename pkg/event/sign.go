package event

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"hearth/pkg/cjson"
)

// signingPreimage is the canonical event with signatures and unsigned
// stripped.
func (e *Event) signingPreimage() ([]byte, error) {
	m, err := e.asMap()
	if err != nil {
		return nil, err
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	return cjson.Marshal(m)
}

// Sign signs the event as origin with the given key, placing the result
// at signatures[origin][keyID]. keyID must be of the form ed25519:<name>.
func (e *Event) Sign(origin, keyID string, key ed25519.PrivateKey) error {
	if !strings.HasPrefix(keyID, "ed25519:") {
		return fmt.Errorf("key id %q is not ed25519", keyID)
	}
	pre, err := e.signingPreimage()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key, pre)
	if e.Signatures == nil {
		e.Signatures = map[string]map[string]string{}
	}
	if e.Signatures[origin] == nil {
		e.Signatures[origin] = map[string]string{}
	}
	e.Signatures[origin][keyID] = base64.RawStdEncoding.EncodeToString(sig)
	e.Invalidate()
	return nil
}

// Verify checks the signature at signatures[origin][keyID] against pub.
func (e *Event) Verify(origin, keyID string, pub ed25519.PublicKey) error {
	byOrigin, ok := e.Signatures[origin]
	if !ok {
		return fmt.Errorf("no signatures by %s", origin)
	}
	sigB64, ok := byOrigin[keyID]
	if !ok {
		return fmt.Errorf("no signature %s by %s", keyID, origin)
	}
	sig, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sigB64, "="))
	if err != nil {
		return fmt.Errorf("signature decode: %w", err)
	}
	pre, err := e.signingPreimage()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, pre, sig) {
		return fmt.Errorf("signature by %s/%s does not verify", origin, keyID)
	}
	return nil
}

// SignJSON signs an arbitrary object (request bodies, key documents) the
// same way events are signed and returns the signature in unpadded
// base64.
func SignJSON(obj map[string]any, key ed25519.PrivateKey) (string, error) {
	m := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		m[k] = v
	}
	pre, err := cjson.Marshal(m)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(key, pre)), nil
}

// VerifyJSON verifies a detached signature produced by SignJSON.
func VerifyJSON(obj map[string]any, sigB64 string, pub ed25519.PublicKey) error {
	m := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		m[k] = v
	}
	pre, err := cjson.Marshal(m)
	if err != nil {
		return err
	}
	sig, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sigB64, "="))
	if err != nil {
		return fmt.Errorf("signature decode: %w", err)
	}
	if !ed25519.Verify(pub, pre, sig) {
		return fmt.Errorf("json signature does not verify")
	}
	return nil
}
