package driver

import "context"

// SelectorSpec describes how to find one element on the rendered page.
type SelectorSpec struct {
	CSS string
	// Visible requires the element to be rendered, not just present in the DOM.
	// Anti-bot flows hide and show the same forms, so presence alone lies.
	Visible bool
}

// ElementRef is an opaque handle to a located element.
type ElementRef struct {
	CSS string
}

// Driver is the UI-automation contract the auth machine runs against. It is
// the only surface the engine assumes from the underlying automation vendor,
// so the CDP implementation can be swapped without touching the state machine.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// Locate returns (nil, nil) when the element is absent; an error means the
	// driver itself failed.
	Locate(ctx context.Context, spec SelectorSpec) (*ElementRef, error)
	Type(ctx context.Context, ref *ElementRef, text string) error
	Click(ctx context.Context, ref *ElementRef) error
	Evaluate(ctx context.Context, script string, out any) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Cookie is a transport-agnostic session cookie, the unit of the persisted
// session storage blob.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Expires  int64  `json:"expires"`
	HTTPOnly bool   `json:"http_only"`
	Secure   bool   `json:"secure"`
}

// CookieCarrier is implemented by drivers that can export and import their
// cookie jar, enabling session restore without a fresh login.
type CookieCarrier interface {
	ExportCookies(ctx context.Context) ([]Cookie, error)
	ImportCookies(ctx context.Context, cookies []Cookie) error
}
