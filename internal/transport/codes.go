package transport

// Platform order result codes. 560 is the only acceptance code; the rejection
// table is closed and unknown codes pass through verbatim so nothing is
// silently swallowed.
const codeBetAccepted = "560"

var rejectReasons = map[string]string{
	"501": "market closed",
	"502": "odds changed",
	"503": "insufficient balance",
	"504": "event already started",
	"505": "stake below minimum",
	"506": "stake above maximum",
	"508": "selection suspended",
	"511": "account betting disabled",
	"521": "duplicate order",
}

// MapRejectCode converts a platform rejection code to a readable reason.
// Unknown codes are returned verbatim.
func MapRejectCode(code string) string {
	if reason, ok := rejectReasons[code]; ok {
		return reason
	}
	return code
}
