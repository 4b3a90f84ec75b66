package auth

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/Vodeneev/betagent/internal/driver"
	"github.com/Vodeneev/betagent/internal/pkg/models"
)

// Trivial sequences the platform rejects (and that would be guessable anyway).
var passcodeDenylist = map[string]struct{}{
	"0000": {}, "1111": {}, "2222": {}, "3333": {}, "4444": {},
	"5555": {}, "6666": {}, "7777": {}, "8888": {}, "9999": {},
	"1234": {}, "4321": {}, "0123": {},
}

// GeneratePasscode returns a fresh 4-digit code outside the denylist.
func GeneratePasscode() string {
	for {
		code := fmt.Sprintf("%04d", rand.IntN(10000))
		if _, bad := passcodeDenylist[code]; !bad {
			return code
		}
	}
}

// CandidatePasscodes resolves the codes to try, in order: the account's cached
// code, the code already used in this session, then a freshly generated one.
func CandidatePasscodes(cred models.AccountCredential, sessionUsed string) []string {
	seen := make(map[string]struct{}, 3)
	var out []string
	for _, c := range []string{cred.Passcode, sessionUsed} {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	gen := GeneratePasscode()
	if _, ok := seen[gen]; !ok {
		out = append(out, gen)
	}
	return out
}

// VariantKind tags which passcode UI the platform presented.
type VariantKind string

const (
	VariantFormPair    VariantKind = "form_pair"    // dual-field setup form
	VariantSingleField VariantKind = "single_field" // re-entry form
	VariantKeypad      VariantKind = "keypad"       // numeric keypad
	VariantServerSync  VariantKind = "server_sync"  // feature disabled server-side, nothing to submit
)

// PasscodeVariant is one passcode UI with a uniform submit contract. Exactly
// one detection pass selects the variant; flows never interleave fallbacks.
type PasscodeVariant interface {
	Kind() VariantKind
	Submit(ctx context.Context, code string) error
}

// DetectPasscodeVariant finds which of the known variants is on screen.
// Returns (nil, nil) when no passcode UI is present at all.
func DetectPasscodeVariant(ctx context.Context, drv driver.Driver) (PasscodeVariant, error) {
	if ref, err := drv.Locate(ctx, selPasscodePairBox); err != nil {
		return nil, err
	} else if ref != nil {
		return &formPairVariant{drv: drv}, nil
	}
	if ref, err := drv.Locate(ctx, selPasscodeSingleBox); err != nil {
		return nil, err
	} else if ref != nil {
		return &singleFieldVariant{drv: drv}, nil
	}
	if ref, err := drv.Locate(ctx, selPasscodeKeypad); err != nil {
		return nil, err
	} else if ref != nil {
		return &keypadVariant{drv: drv}, nil
	}
	if ref, err := drv.Locate(ctx, selPasscodeDisabledMsg); err != nil {
		return nil, err
	} else if ref != nil {
		return &serverSyncVariant{}, nil
	}
	return nil, nil
}

type formPairVariant struct{ drv driver.Driver }

func (v *formPairVariant) Kind() VariantKind { return VariantFormPair }

func (v *formPairVariant) Submit(ctx context.Context, code string) error {
	first, err := v.drv.Locate(ctx, selPasscodePairFirst)
	if err != nil || first == nil {
		return fmt.Errorf("passcode pair first field missing: %w", err)
	}
	second, err := v.drv.Locate(ctx, selPasscodePairSecond)
	if err != nil || second == nil {
		return fmt.Errorf("passcode pair second field missing: %w", err)
	}
	if err := v.drv.Type(ctx, first, code); err != nil {
		return err
	}
	if err := v.drv.Type(ctx, second, code); err != nil {
		return err
	}
	submit, err := v.drv.Locate(ctx, selPasscodePairSubmit)
	if err != nil || submit == nil {
		return fmt.Errorf("passcode pair submit missing: %w", err)
	}
	return v.drv.Click(ctx, submit)
}

type singleFieldVariant struct{ drv driver.Driver }

func (v *singleFieldVariant) Kind() VariantKind { return VariantSingleField }

func (v *singleFieldVariant) Submit(ctx context.Context, code string) error {
	input, err := v.drv.Locate(ctx, selPasscodeSingleInput)
	if err != nil || input == nil {
		return fmt.Errorf("passcode input missing: %w", err)
	}
	if err := v.drv.Type(ctx, input, code); err != nil {
		return err
	}
	ok, err := v.drv.Locate(ctx, selPasscodeSingleOK)
	if err != nil || ok == nil {
		return fmt.Errorf("passcode submit missing: %w", err)
	}
	return v.drv.Click(ctx, ok)
}

type keypadVariant struct{ drv driver.Driver }

func (v *keypadVariant) Kind() VariantKind { return VariantKeypad }

func (v *keypadVariant) Submit(ctx context.Context, code string) error {
	for i := 0; i < len(code); i++ {
		key, err := v.drv.Locate(ctx, keypadDigit(code[i]))
		if err != nil || key == nil {
			return fmt.Errorf("keypad key %q missing: %w", code[i], err)
		}
		if err := v.drv.Click(ctx, key); err != nil {
			return err
		}
	}
	enter, err := v.drv.Locate(ctx, selPasscodeKeypadEnter)
	if err != nil || enter == nil {
		return fmt.Errorf("keypad enter missing: %w", err)
	}
	return v.drv.Click(ctx, enter)
}

// serverSyncVariant covers the platform reporting the passcode feature
// disabled for this account. Non-fatal: nothing to submit, the flow proceeds
// straight to credential-change detection.
type serverSyncVariant struct{}

func (v *serverSyncVariant) Kind() VariantKind { return VariantServerSync }

func (v *serverSyncVariant) Submit(ctx context.Context, code string) error { return nil }
