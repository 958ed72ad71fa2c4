package policy

import "fmt"

type (
	// TrustTier orders execution environments from least to most trusted.
	TrustTier string

	// RiskProfile classifies a tool pack's capability needs.
	RiskProfile string

	// Capability is a permission a tool pack or extension exercises.
	Capability string

	// Manifest is the trust-relevant slice of an extension manifest.
	Manifest struct {
		// Name identifies the extension.
		Name string `yaml:"name" json:"name"`
		// RequiredTrust is the minimum tier the extension needs.
		RequiredTrust TrustTier `yaml:"requiredTrust" json:"requiredTrust"`
		// Capabilities lists the permissions the extension exercises.
		Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	}
)

const (
	TierUntrusted TrustTier = "untrusted"
	TierWorkspace TrustTier = "workspace"
	TierUser      TrustTier = "user"
	TierManaged   TrustTier = "managed"
)

const (
	ProfileReadOnly   RiskProfile = "read-only"
	ProfileStandard   RiskProfile = "standard"
	ProfilePrivileged RiskProfile = "privileged"
)

const (
	CapRead    Capability = "read"
	CapWrite   Capability = "write"
	CapExec    Capability = "exec"
	CapNetwork Capability = "network"
	CapTrace   Capability = "trace"
	CapHook    Capability = "hook"
	CapPlugin  Capability = "plugin"
)

// untrustedBlocked lists capabilities the untrusted tier always denies.
var untrustedBlocked = map[Capability]bool{
	CapWrite:   true,
	CapExec:    true,
	CapNetwork: true,
	CapHook:    true,
	CapPlugin:  true,
}

// TierRank orders trust tiers. Unknown tiers rank as untrusted.
func TierRank(t TrustTier) int {
	switch t {
	case TierWorkspace:
		return 1
	case TierUser:
		return 2
	case TierManaged:
		return 3
	default:
		return 0
	}
}

// CapabilitiesFor maps a tool pack risk profile to its capability set.
func CapabilitiesFor(p RiskProfile) []Capability {
	switch p {
	case ProfileReadOnly:
		return []Capability{CapRead, CapTrace}
	case ProfilePrivileged:
		return []Capability{CapRead, CapWrite, CapExec, CapNetwork, CapTrace}
	default:
		return []Capability{CapRead, CapWrite, CapTrace}
	}
}

// CheckTrust verifies a manifest against the current trust tier. The current
// tier must rank at least as high as the manifest's required tier, and the
// untrusted tier additionally blocks the write, exec, network, hook, and
// plugin capabilities regardless of the manifest.
func CheckTrust(manifest Manifest, current TrustTier) error {
	if TierRank(current) < TierRank(manifest.RequiredTrust) {
		return fmt.Errorf("policy: extension %q requires trust %q, current tier is %q",
			manifest.Name, manifest.RequiredTrust, current)
	}
	if current == TierUntrusted {
		for _, cap := range manifest.Capabilities {
			if untrustedBlocked[cap] {
				return fmt.Errorf("policy: extension %q capability %q is blocked at the untrusted tier",
					manifest.Name, cap)
			}
		}
	}
	return nil
}
