package auth

import "github.com/Vodeneev/betagent/internal/driver"

// Selectors for the platform's rendered UI. Kept in one place because mirror
// builds occasionally rename them and every flow goes through these.
var (
	// Passcode UI variants: dual-field setup form, single-field re-entry form,
	// numeric keypad, and the notice shown when the feature is disabled
	// server-side for the account.
	selPasscodePairBox     = driver.SelectorSpec{CSS: "#chgcode_box", Visible: true}
	selPasscodePairFirst   = driver.SelectorSpec{CSS: "#chgcode_box input[name=code1]", Visible: true}
	selPasscodePairSecond  = driver.SelectorSpec{CSS: "#chgcode_box input[name=code2]", Visible: true}
	selPasscodePairSubmit  = driver.SelectorSpec{CSS: "#chgcode_box .btn_submit", Visible: true}
	selPasscodeSingleBox   = driver.SelectorSpec{CSS: "#checkcode_box", Visible: true}
	selPasscodeSingleInput = driver.SelectorSpec{CSS: "#checkcode_box input[name=code]", Visible: true}
	selPasscodeSingleOK    = driver.SelectorSpec{CSS: "#checkcode_box .btn_submit", Visible: true}
	selPasscodeKeypad      = driver.SelectorSpec{CSS: "#keypad_box", Visible: true}
	selPasscodeKeypadEnter = driver.SelectorSpec{CSS: "#keypad_box .key_enter", Visible: true}
	selPasscodeDisabledMsg = driver.SelectorSpec{CSS: "#msg_code_off", Visible: true}

	// Forced credential rotation sub-forms. Either may appear independently.
	selChangeLoginBox     = driver.SelectorSpec{CSS: "#chgname_box", Visible: true}
	selChangeLoginInput   = driver.SelectorSpec{CSS: "#chgname_box input[name=new_username]", Visible: true}
	selChangeLoginSubmit  = driver.SelectorSpec{CSS: "#chgname_box .btn_submit", Visible: true}
	selChangePwdBox       = driver.SelectorSpec{CSS: "#chgpwd_box", Visible: true}
	selChangePwdOld       = driver.SelectorSpec{CSS: "#chgpwd_box input[name=old_password]", Visible: true}
	selChangePwdNew       = driver.SelectorSpec{CSS: "#chgpwd_box input[name=new_password]", Visible: true}
	selChangePwdConfirm   = driver.SelectorSpec{CSS: "#chgpwd_box input[name=confirm_password]", Visible: true}
	selChangePwdSubmit    = driver.SelectorSpec{CSS: "#chgpwd_box .btn_submit", Visible: true}

	// Concurrent-session eviction dialog.
	selEvictionDialog  = driver.SelectorSpec{CSS: "#dialog_double_login", Visible: true}
	selEvictionConfirm = driver.SelectorSpec{CSS: "#dialog_double_login .btn_confirm", Visible: true}
)

func keypadDigit(d byte) driver.SelectorSpec {
	return driver.SelectorSpec{CSS: "#keypad_box [data-key='" + string(d) + "']", Visible: true}
}

// pageStateScript classifies the rendered page in one evaluation. The UI
// signals matter more than HTTP responses here: a login can "succeed" on the
// wire while the page still blocks on a secondary prompt.
const pageStateScript = `(function(){
	function vis(sel){ var el = document.querySelector(sel); return el && el.offsetParent !== null; }
	if (vis('#dialog_double_login')) return 'evicted';
	if (vis('#chgcode_box') || vis('#checkcode_box') || vis('#keypad_box') || vis('#msg_code_off')) return 'passcode';
	if (vis('#chgname_box') || vis('#chgpwd_box')) return 'credchange';
	if (vis('#div_gameframe') && !vis('#login_box')) return 'home';
	if (vis('#login_box')) return 'login';
	return 'unknown';
})()`

// changeResultScript reads the rotation sub-form's result message, empty when
// none is displayed yet.
const changeResultScript = `(function(){
	var el = document.querySelector('#chg_msg');
	return el ? el.textContent.trim() : '';
})()`
