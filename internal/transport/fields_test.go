package transport

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestExtractTag(t *testing.T) {
	tests := []struct {
		name string
		body string
		tag  string
		want string
		ok   bool
	}{
		{"simple", "<uid>U1</uid>", "uid", "U1", true},
		{"case insensitive", "<UID>U1</UID>", "uid", "U1", true},
		{"surrounded", "junk<msg>100</msg>junk", "msg", "100", true},
		{"whitespace trimmed", "<msg> 100 </msg>", "msg", "100", true},
		{"absent", "<uid>U1</uid>", "msg", "", false},
		{"unclosed", "<uid>U1", "uid", "", false},
		{"empty value", "<msg></msg>", "msg", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractTag(tt.body, tt.tag)
			if got != tt.want || ok != tt.ok {
				t.Errorf("extractTag(%q, %q) = (%q, %v), want (%q, %v)", tt.body, tt.tag, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtractCandidateOrder(t *testing.T) {
	specs := []fieldSpec{
		{name: "odds", candidates: []string{"ioratio", "odds", "io"}},
	}

	tests := []struct {
		name string
		body string
		want string
	}{
		{"first candidate wins", "<ioratio>1.95</ioratio><odds>2.00</odds>", "1.95"},
		{"falls through to second", "<odds>2.00</odds>", "2.00"},
		{"falls through to third", "<io>1.80</io>", "1.80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := extract(tt.body, specs)
			got, ok := v.String("odds")
			if !ok || got != tt.want {
				t.Errorf("odds = (%q, %v), want (%q, true)", got, ok, tt.want)
			}
		})
	}
}

func TestMemberBalanceFirstNonNullWins(t *testing.T) {
	// Both a balance and a credit figure may be present from different mirror
	// builds; the declared candidate order decides which one is read.
	body := "<balance>150.25</balance><credit>999.00</credit>"
	v := extract(body, memberFields)
	got, ok := v.Decimal("balance")
	if !ok {
		t.Fatal("balance missing")
	}
	if !got.Equal(decimal.RequireFromString("150.25")) {
		t.Errorf("balance = %s, want 150.25", got)
	}

	// Only credit present: credit is the first non-null candidate.
	v = extract("<credit>77.50</credit>", memberFields)
	got, ok = v.Decimal("balance")
	if !ok || !got.Equal(decimal.RequireFromString("77.50")) {
		t.Errorf("balance = (%s, %v), want 77.50", got, ok)
	}
}

func TestExtractBlocks(t *testing.T) {
	body := "<wager><tid>1</tid></wager><wager><tid>2</tid></wager>"
	blocks := extractBlocks(body, "wager")
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0] != "<tid>1</tid>" || blocks[1] != "<tid>2</tid>" {
		t.Errorf("unexpected blocks: %v", blocks)
	}
}

func TestValuesDecimal(t *testing.T) {
	v := Values{"stake": "1,250.50", "bad": "abc"}
	d, ok := v.Decimal("stake")
	if !ok || !d.Equal(decimal.RequireFromString("1250.50")) {
		t.Errorf("Decimal(stake) = (%s, %v)", d, ok)
	}
	if _, ok := v.Decimal("bad"); ok {
		t.Error("Decimal(bad) should fail")
	}
	if _, ok := v.Decimal("absent"); ok {
		t.Error("Decimal(absent) should fail")
	}
}

func TestTicketIDsEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1234567", "1234567", true},
		{"FT1234567", "1234567", true},
		{"1234567", "FT1234567", true},
		{"FT:1234567", "1234567", true},
		{"1234567", "7654321", false},
		{"FT1234567", "FT7654321", false},
	}
	for _, tt := range tests {
		if got := TicketIDsEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("TicketIDsEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMapRejectCode(t *testing.T) {
	if got := MapRejectCode("501"); got != "market closed" {
		t.Errorf("MapRejectCode(501) = %q", got)
	}
	// Unknown codes pass through verbatim.
	if got := MapRejectCode("999"); got != "999" {
		t.Errorf("MapRejectCode(999) = %q", got)
	}
}
