package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/Vodeneev/betagent/internal/platform"
)

type changeForm int

const (
	changeNone changeForm = iota
	changeLoginID
	changePassword
)

// detectChangeForm finds which forced-rotation sub-form the platform rendered.
// The two sub-forms are independent and either may appear alone.
func (m *Machine) detectChangeForm(ctx context.Context) (changeForm, error) {
	if ref, err := m.drv.Locate(ctx, selChangeLoginBox); err != nil {
		return changeNone, err
	} else if ref != nil {
		return changeLoginID, nil
	}
	if ref, err := m.drv.Locate(ctx, selChangePwdBox); err != nil {
		return changeNone, err
	} else if ref != nil {
		return changePassword, nil
	}
	return changeNone, nil
}

func (m *Machine) runCredentialChange(ctx context.Context) error {
	form, err := m.detectChangeForm(ctx)
	if err != nil {
		return &platform.CredentialChangeError{AccountID: m.cred.ID, Step: "detect", Err: err}
	}

	switch form {
	case changeLoginID:
		if err := m.runLoginIDChange(ctx); err != nil {
			return &platform.CredentialChangeError{AccountID: m.cred.ID, Step: "login_id", Err: err}
		}
	case changePassword:
		if err := m.runPasswordChange(ctx); err != nil {
			return &platform.CredentialChangeError{AccountID: m.cred.ID, Step: "password", Err: err}
		}
	case changeNone:
		return &platform.CredentialChangeError{AccountID: m.cred.ID, Step: "detect", Err: errors.New("no rotation form present")}
	}
	return nil
}

func (m *Machine) runLoginIDChange(ctx context.Context) error {
	newLoginID := rotateLoginID(m.cred.LoginID)

	input, err := m.drv.Locate(ctx, selChangeLoginInput)
	if err != nil || input == nil {
		return fmt.Errorf("login-id field missing: %w", err)
	}
	if err := m.drv.Type(ctx, input, newLoginID); err != nil {
		return err
	}
	submit, err := m.drv.Locate(ctx, selChangeLoginSubmit)
	if err != nil || submit == nil {
		return fmt.Errorf("login-id submit missing: %w", err)
	}
	if err := m.drv.Click(ctx, submit); err != nil {
		return err
	}

	msg, err := m.readChangeResult(ctx)
	if err != nil {
		return err
	}
	if msg != "" && !isChangeAccepted(msg) {
		return fmt.Errorf("platform rejected login id: %s", msg)
	}

	if err := m.accounts.UpdateCredentials(ctx, m.cred.ID, newLoginID, m.cred.Password); err != nil {
		return fmt.Errorf("persist rotated login id: %w", err)
	}
	m.log.Info("Login id rotated", "old", m.cred.LoginID, "new", newLoginID)
	m.cred.LoginID = newLoginID
	return nil
}

func (m *Machine) runPasswordChange(ctx context.Context) error {
	newPassword := rotatePassword()

	oldField, err := m.drv.Locate(ctx, selChangePwdOld)
	if err != nil || oldField == nil {
		return fmt.Errorf("old password field missing: %w", err)
	}
	newField, err := m.drv.Locate(ctx, selChangePwdNew)
	if err != nil || newField == nil {
		return fmt.Errorf("new password field missing: %w", err)
	}
	confirmField, err := m.drv.Locate(ctx, selChangePwdConfirm)
	if err != nil || confirmField == nil {
		return fmt.Errorf("confirm password field missing: %w", err)
	}

	if err := m.drv.Type(ctx, oldField, m.cred.Password); err != nil {
		return err
	}
	if err := m.drv.Type(ctx, newField, newPassword); err != nil {
		return err
	}
	if err := m.drv.Type(ctx, confirmField, newPassword); err != nil {
		return err
	}
	submit, err := m.drv.Locate(ctx, selChangePwdSubmit)
	if err != nil || submit == nil {
		return fmt.Errorf("password submit missing: %w", err)
	}
	if err := m.drv.Click(ctx, submit); err != nil {
		return err
	}

	msg, err := m.readChangeResult(ctx)
	if err != nil {
		return err
	}
	if msg != "" && !isChangeAccepted(msg) {
		if isDifferRejection(msg) {
			// The platform refuses because new == active password, which means
			// a previous rotation already took effect but our write-back did
			// not. The target is the active password; adopt it.
			m.log.Warn("Password rotation already active on platform, adopting", "account", m.cred.ID)
			if err := m.accounts.UpdateCredentials(ctx, m.cred.ID, m.cred.LoginID, newPassword); err != nil {
				return fmt.Errorf("persist adopted password: %w", err)
			}
			m.cred.Password = newPassword
			return nil
		}
		return fmt.Errorf("platform rejected password: %s", msg)
	}

	if err := m.accounts.UpdateCredentials(ctx, m.cred.ID, m.cred.LoginID, newPassword); err != nil {
		return fmt.Errorf("persist rotated password: %w", err)
	}
	m.log.Info("Password rotated", "account", m.cred.ID)
	m.cred.Password = newPassword
	return nil
}

func (m *Machine) readChangeResult(ctx context.Context) (string, error) {
	var msg string
	if err := m.drv.Evaluate(ctx, changeResultScript, &msg); err != nil {
		return "", fmt.Errorf("read rotation result: %w", err)
	}
	return strings.TrimSpace(msg), nil
}

func isChangeAccepted(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "success") || strings.Contains(lower, "ok")
}

// isDifferRejection matches the platform's "new and old password must be
// different" message in its known phrasings.
func isDifferRejection(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "differ") {
		return true
	}
	return strings.Contains(lower, "same") && strings.Contains(lower, "password")
}

const loginIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const passwordAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// rotateLoginID derives a fresh login id from the current one by replacing the
// trailing two characters with random ones, keeping the account recognizable.
func rotateLoginID(current string) string {
	base := current
	if len(base) > 2 {
		base = base[:len(base)-2]
	}
	return base + randomString(loginIDAlphabet, 2)
}

// rotatePassword generates a 10-character password with at least one letter
// and one digit, per the platform's complexity rule.
func rotatePassword() string {
	for {
		pw := randomString(passwordAlphabet, 10)
		if strings.ContainsAny(pw, "0123456789") && strings.ContainsAny(pw, passwordAlphabet[:48]) {
			return pw
		}
	}
}

func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
