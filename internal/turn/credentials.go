// Package turn mints short-lived TURN REST API credentials for overlay peer
// connections that need a relay to traverse NAT (spec §4.8's ICEConfig).
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultCredentialLifetime is the default validity period for TURN credentials.
const DefaultCredentialLifetime = 24 * time.Hour

// GenerateCredentials creates time-limited TURN REST API credentials from a shared secret.
// The username encodes the expiry timestamp and peer ID. The password is an HMAC-SHA1
// of the username, keyed by the shared secret.
//
// This follows the TURN REST API convention used by coturn and supported by pion/ice:
//
//	username = "<unix_expiry>:<peerID>"
//	password = base64(HMAC-SHA1(secret, username))
func GenerateCredentials(secret, peerID string, lifetime time.Duration) (username, password string) {
	if lifetime == 0 {
		lifetime = DefaultCredentialLifetime
	}
	expiry := time.Now().Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, peerID)
	password = computePassword(secret, username)
	return username, password
}

// computePassword generates the HMAC-SHA1 password for TURN REST API credentials.
func computePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
