package transport

import (
	"strings"

	"github.com/shopspring/decimal"
)

// The platform answers with XML-ish text where the same logical field shows up
// under different legacy tag names depending on mirror build. Instead of ad hoc
// chained matches, every command declares an ordered field-extraction table:
// candidate tags are tried in order and the first present value wins.

type fieldSpec struct {
	name       string
	candidates []string
}

// Values holds extracted raw field values for one response or block.
type Values map[string]string

// String returns the raw value for a logical field.
func (v Values) String(name string) (string, bool) {
	s, ok := v[name]
	return s, ok
}

// Decimal parses the field as a decimal number.
func (v Values) Decimal(name string) (decimal.Decimal, bool) {
	s, ok := v[name]
	if !ok || s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// extract evaluates the table once against a body and returns whatever fields
// were present. Absent fields are simply missing from the map.
func extract(body string, specs []fieldSpec) Values {
	out := make(Values, len(specs))
	for _, spec := range specs {
		for _, tag := range spec.candidates {
			if val, ok := extractTag(body, tag); ok {
				out[spec.name] = val
				break
			}
		}
	}
	return out
}

// extractTag finds <tag>value</tag> case-insensitively. The bodies are not
// well-formed XML (bare sentinels, unclosed wrappers), so this deliberately
// stays a substring scan rather than an XML decoder.
func extractTag(body, tag string) (string, bool) {
	lower := strings.ToLower(body)
	open := "<" + strings.ToLower(tag) + ">"
	closing := "</" + strings.ToLower(tag) + ">"

	start := strings.Index(lower, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(lower[start:], closing)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[start : start+end]), true
}

// extractBlocks returns the inner text of every <tag>...</tag> occurrence, for
// list-shaped responses (wager lists, game lists).
func extractBlocks(body, tag string) []string {
	var out []string
	lower := strings.ToLower(body)
	open := "<" + strings.ToLower(tag) + ">"
	closing := "</" + strings.ToLower(tag) + ">"

	pos := 0
	for {
		start := strings.Index(lower[pos:], open)
		if start < 0 {
			return out
		}
		start = pos + start + len(open)
		end := strings.Index(lower[start:], closing)
		if end < 0 {
			return out
		}
		out = append(out, body[start:start+end])
		pos = start + end + len(closing)
	}
}

// Per-command extraction tables. Candidate order is part of the behavior:
// for member data the balance-family tags are tried before the credit-family
// ones, so "first non-null wins" is encoded here and nowhere else.
var (
	loginFields = []fieldSpec{
		{name: "uid", candidates: []string{"uid", "sid", "mid"}},
		{name: "msg", candidates: []string{"msg", "code"}},
		{name: "errormsg", candidates: []string{"errormsg", "error_msg", "msg_text"}},
		{name: "host", candidates: []string{"domain", "host", "server"}},
		{name: "username", candidates: []string{"username", "login_name"}},
	}

	memberFields = []fieldSpec{
		{name: "balance", candidates: []string{"balance", "cash", "money", "credit", "maxcredit"}},
		{name: "currency", candidates: []string{"currency", "cur"}},
		{name: "username", candidates: []string{"username", "login_name"}},
	}

	orderViewFields = []fieldSpec{
		{name: "gid", candidates: []string{"gid", "game_id"}},
		{name: "odds", candidates: []string{"ioratio", "odds", "io"}},
		{name: "max_stake", candidates: []string{"gold_gmax", "max_gold", "maxbet"}},
		{name: "min_stake", candidates: []string{"gold_gmin", "min_gold", "minbet"}},
		{name: "score", candidates: []string{"score", "now_score"}},
	}

	betFields = []fieldSpec{
		{name: "code", candidates: []string{"code", "msg"}},
		{name: "ticket", candidates: []string{"ticket_id", "tid", "id"}},
		{name: "odds", candidates: []string{"ioratio", "odds", "io"}},
		{name: "errormsg", candidates: []string{"errormsg", "error_msg"}},
	}

	gameFields = []fieldSpec{
		{name: "gid", candidates: []string{"gid", "game_id"}},
		{name: "league", candidates: []string{"league", "league_name"}},
		{name: "home", candidates: []string{"team_h", "home", "team_name_h"}},
		{name: "away", candidates: []string{"team_c", "away", "team_name_c"}},
		{name: "odds_h", candidates: []string{"ior_rh", "ior_mh", "odds_h"}},
		{name: "odds_c", candidates: []string{"ior_rc", "ior_mc", "odds_c"}},
		{name: "odds_n", candidates: []string{"ior_rn", "ior_mn", "odds_n"}},
	}

	wagerFields = []fieldSpec{
		{name: "ticket", candidates: []string{"ticket_id", "tid", "id"}},
		{name: "stake", candidates: []string{"gold", "stake", "amount"}},
		{name: "settlement", candidates: []string{"wingold", "win_gold", "result_gold", "payout"}},
		{name: "result_text", candidates: []string{"result", "result_text", "status"}},
		{name: "match", candidates: []string{"team_h", "match", "game"}},
	}
)
