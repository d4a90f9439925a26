package voice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/concord-im/concord/internal/v1/config"
	"github.com/concord-im/concord/internal/v1/types"
)

// TURNCredentials derives temporary TURN credentials in the coturn
// static-auth scheme: the username is "{expiry-unix}:{user-id}" and the
// credential is the base64 HMAC-SHA256 of that string under the shared
// secret. The TURN server recomputes the MAC to authenticate.
func TURNCredentials(secret string, user types.UserID, ttl time.Duration) (username, credential string) {
	username = fmt.Sprintf("%d:%s", time.Now().Add(ttl).Unix(), user)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}

// ICEServers builds the STUN/TURN listing for a user, deriving fresh TURN
// credentials per call when TURN is enabled.
func ICEServers(cfg *config.TURNConfig, user types.UserID) (stun, turn []ICEServer) {
	if len(cfg.STUNServers) > 0 {
		stun = append(stun, ICEServer{URLs: cfg.STUNServers})
	}
	if cfg.Enabled && len(cfg.Servers) > 0 {
		username, credential := TURNCredentials(cfg.Secret, user, cfg.CredentialTTL.Std())
		turn = append(turn, ICEServer{
			URLs:       cfg.Servers,
			Username:   username,
			Credential: credential,
		})
	}
	return stun, turn
}
