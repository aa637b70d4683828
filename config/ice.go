package config

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// parseICEServers prefers the JSON list and falls back to the STUN and TURN variables.
func parseICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if iceServersJSON != "" {
		servers, err := ParseICEServersJSON(iceServersJSON)
		if err != nil {
			return nil, errors.Wrap(err, EnvICEServersJSON)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stunList := splitCommaSeparated(stunURLs); len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server); err != nil {
			return nil, errors.Wrap(err, EnvSTUNURLs)
		}
		servers = append(servers, server)
	}
	if turnList := splitCommaSeparated(turnURLs); len(turnList) > 0 {
		if turnUsername == "" || turnCredential == "" {
			return nil, errors.Errorf("%s and %s must be set with %s", EnvTURNUsername, EnvTURNCredential, EnvTURNURLs)
		}
		server := webrtc.ICEServer{URLs: turnList, Username: turnUsername, Credential: turnCredential}
		if err := validateICEServer(server); err != nil {
			return nil, errors.Wrap(err, EnvTURNURLs)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// urls may be a single string or a list, as in a browser RTCIceServer.
type iceServerJSON struct {
	URLs       stringOrStrings `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

type stringOrStrings []string

func (s *stringOrStrings) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array of ICE servers.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var parsed []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, errors.Wrap(err, "error parsing ice servers")
	}
	servers := make([]webrtc.ICEServer, 0, len(parsed))
	for i, p := range parsed {
		var urls []string
		for _, url := range p.URLs {
			if url = strings.TrimSpace(url); url != "" {
				urls = append(urls, url)
			}
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(p.Username)}
		if p.Credential != "" {
			server.Credential = p.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, errors.Wrapf(err, "ice server %d", i)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	needsCredentials := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			needsCredentials = true
		default:
			return errors.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !needsCredentials {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require a username")
	}
	if credential, ok := server.Credential.(string); !ok || credential == "" {
		return errors.New("turn urls require a credential")
	}
	return nil
}
