package models

// DeviceProfile selects which fingerprint the account's browser presents.
type DeviceProfile string

const (
	DeviceDesktop DeviceProfile = "desktop"
	DeviceMobile  DeviceProfile = "mobile"
)

// AccountCredential is the identity record for one platform account. Owned by
// external storage; this engine only writes back the passcode and rotated
// credentials after a forced change flow.
type AccountCredential struct {
	ID       string
	LoginID  string
	Password string
	Passcode string // cached 4-digit secondary code, empty until first use

	// LineKey groups accounts that must never both hold an active bet on the
	// same match.
	LineKey string

	ProxyURL string
	Device   DeviceProfile
	Enabled  bool
}
