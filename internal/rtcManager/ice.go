package rtcManager

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
)

const defaultCredentialTTL = 24 * time.Hour

// ICEConfig lists the servers offered to ICE
type ICEConfig struct {
	STUNURLs []string
	TURNURLs []string
	// TURNSecret is the shared secret of a TURN REST API deployment.
	// Short-lived credentials are derived from it for every call.
	TURNSecret    string
	CredentialTTL time.Duration
}

// Servers builds the ICE server list, minting fresh TURN credentials
func (c ICEConfig) Servers() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}

	if len(c.TURNURLs) > 0 {
		if c.TURNSecret == "" {
			return nil, fmt.Errorf("TURN secret is required when TURN URLs are set")
		}
		ttl := c.CredentialTTL
		if ttl <= 0 {
			ttl = defaultCredentialTTL
		}
		username, password, err := turn.GenerateLongTermCredentials(c.TURNSecret, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to generate TURN credentials: %w", err)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNURLs,
			Username:   username,
			Credential: password,
		})
	}
	return servers, nil
}

// Validate checks every URL carries a scheme ICE understands
func (c ICEConfig) Validate() error {
	for _, u := range c.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("invalid STUN URL %q", u)
		}
	}
	for _, u := range c.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("invalid TURN URL %q", u)
		}
	}
	return nil
}
