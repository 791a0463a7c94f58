package netkernel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

func sign(cookie []byte, env Envelope) (string, error) {
	body, err := encodeForSigning(env)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, cookie)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verify recomputes the HMAC over env (minus its checkSum) and compares it
// against env.CheckSum. A mismatch returns an error describing both the sent
// and the calculated digest.
func verify(cookie []byte, env Envelope) error {
	calculated, err := sign(cookie, env)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(calculated), []byte(env.CheckSum)) {
		return fmt.Errorf("netkernel: checksum mismatch: sent=%s calculated=%s", env.CheckSum, calculated)
	}
	return nil
}
