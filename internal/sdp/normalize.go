// Package sdp patches session descriptions so both legs agree on the DTLS
// negotiation role and trickle ICE support. The provider is strict about
// these attributes while browsers are not consistent about emitting them.
package sdp

import (
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// EnsureActpass guarantees every media section carries a setup attribute,
// inserting setup:actpass where missing. Existing setup values are kept.
// Bridging requires the provider leg to offer actpass so our side can pick
// the DTLS server role.
func EnsureActpass(raw string) string {
	return patchSetup(raw, "actpass", false)
}

// ForceActive guarantees every media section carries setup:active,
// replacing any other setup value. The answer we hand back to the provider
// must act as the DTLS client.
func ForceActive(raw string) string {
	return patchSetup(raw, "active", true)
}

// EnsureTrickle guarantees an ice-options:trickle attribute is advertised
// at the session level.
func EnsureTrickle(raw string) string {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ensureTrickleText(raw)
	}
	if hasTrickle(desc.Attributes) {
		return raw
	}
	for _, m := range desc.MediaDescriptions {
		if hasTrickle(m.Attributes) {
			return raw
		}
	}
	desc.Attributes = append(desc.Attributes, pionsdp.Attribute{Key: "ice-options", Value: "trickle"})
	out, err := desc.Marshal()
	if err != nil {
		return ensureTrickleText(raw)
	}
	return string(out)
}

func hasTrickle(attrs []pionsdp.Attribute) bool {
	for _, a := range attrs {
		if a.Key == "ice-options" && strings.Contains(a.Value, "trickle") {
			return true
		}
	}
	return false
}

func patchSetup(raw, role string, replace bool) string {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return patchSetupText(raw, role, replace)
	}
	changed := false
	for _, m := range desc.MediaDescriptions {
		found := false
		for i, a := range m.Attributes {
			if a.Key != "setup" {
				continue
			}
			found = true
			if replace && a.Value != role {
				m.Attributes[i].Value = role
				changed = true
			}
		}
		if !found {
			m.Attributes = append(m.Attributes, pionsdp.Attribute{Key: "setup", Value: role})
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := desc.Marshal()
	if err != nil {
		return patchSetupText(raw, role, replace)
	}
	return string(out)
}

// Text fallbacks for blobs the parser rejects. Provider SDP is not always
// strictly well-formed, so the contract still has to hold for those.

func patchSetupText(raw, role string, replace bool) string {
	nl := "\n"
	if strings.Contains(raw, "\r\n") {
		nl = "\r\n"
	}
	if strings.Contains(raw, "a=setup:") {
		if !replace {
			return raw
		}
		lines := strings.Split(raw, nl)
		for i, line := range lines {
			if strings.HasPrefix(line, "a=setup:") {
				lines[i] = "a=setup:" + role
			}
		}
		return strings.Join(lines, nl)
	}
	lines := strings.Split(raw, nl)
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		out = append(out, line)
		if strings.HasPrefix(line, "m=") {
			out = append(out, "a=setup:"+role)
		}
	}
	return strings.Join(out, nl)
}

func ensureTrickleText(raw string) string {
	if strings.Contains(raw, "a=ice-options:") {
		return raw
	}
	nl := "\n"
	if strings.Contains(raw, "\r\n") {
		nl = "\r\n"
	}
	return strings.TrimRight(raw, nl) + nl + "a=ice-options:trickle" + nl
}
