package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/turnrest"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// iceSource is the raw ICE configuration before validation. ICEServersJSON
// wins over the convenience URL lists when both are set.
type iceSource struct {
	ICEServersJSON string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

func (s iceSource) parse(turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.ICEServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnRESTEnabled)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(s.STUNURLs, s.TURNURLs, s.TURNUsername, s.TURNCredential, turnRESTEnabled)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both "urls": "stun:..." and "urls": [...], as
// RTCIceServer does in browsers.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
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

// ParseICEServersJSON parses AERO_ICE_SERVERS_JSON.
//
// TURN entries normally need a username and credential. When TURN REST is
// enabled they may omit both because /webrtc/ice fills them in per request.
func ParseICEServersJSON(raw string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := webrtc.ICEServer{
			URLs:     trimmedNonEmpty(server.URLs),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}
		if err := validateICEServer(pcServer, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the
// comma-separated AERO_STUN_URLS / AERO_TURN_URLS variables.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stunList := splitCommaSeparated(stunURLs); len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turnList := splitCommaSeparated(turnURLs); len(turnList) > 0 {
		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: strings.TrimSpace(turnUsername),
		}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			server.Credential = cred
		}
		if !turnRESTEnabled && (server.Username == "" || server.Credential == nil) {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err := validateICEServer(server, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func trimmedNonEmpty(values []string) []string {
	return lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	}))
}

func splitCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return trimmedNonEmpty(strings.Split(value, ","))
}

func validateICEServer(server webrtc.ICEServer, turnRESTEnabled bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	if bad, found := lo.Find(server.URLs, func(url string) bool { return !isAllowedICEScheme(url) }); found {
		return fmt.Errorf("unsupported url scheme: %q", bad)
	}
	if !turnrest.HasTURNURL(server) || turnRESTEnabled {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func isAllowedICEScheme(url string) bool {
	scheme, _, ok := strings.Cut(strings.ToLower(url), ":")
	return ok && lo.Contains([]string{"stun", "stuns", "turn", "turns"}, scheme)
}
