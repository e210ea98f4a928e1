// internal/browser/locator.go
package browser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
)

// ErrTimeout is wrapped by every page operation that exceeds its bound.
var ErrTimeout = errors.New("browser operation timed out")

// By selects how a Locator value is resolved in the DOM.
type By int

const (
	// ByQuery treats the value as a CSS selector.
	ByQuery By = iota
	// ByID treats the value as an element id.
	ByID
)

// Locator identifies one control on a portal page.
type Locator struct {
	By    By
	Value string
}

// ID is shorthand for an id locator.
func ID(id string) Locator { return Locator{By: ByID, Value: id} }

// CSS is shorthand for a selector locator.
func CSS(selector string) Locator { return Locator{By: ByQuery, Value: selector} }

// ParseLocator reads the configuration form "id:<id>" or "css:<selector>".
// A value without a known prefix is taken as a CSS selector.
func ParseLocator(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	var loc Locator
	switch {
	case strings.HasPrefix(s, "id:"):
		loc = ID(strings.TrimSpace(strings.TrimPrefix(s, "id:")))
	case strings.HasPrefix(s, "css:"):
		loc = CSS(strings.TrimSpace(strings.TrimPrefix(s, "css:")))
	default:
		loc = CSS(s)
	}
	if loc.Value == "" {
		return Locator{}, fmt.Errorf("empty locator %q", s)
	}
	return loc, nil
}

// Indexed expands a locator template such as "id:digit-%d" for a 1-based
// position.
func Indexed(template string, index int) (Locator, error) {
	if !strings.Contains(template, "%d") {
		return Locator{}, fmt.Errorf("locator template %q has no %%d placeholder", template)
	}
	return ParseLocator(fmt.Sprintf(template, index))
}

func (l Locator) String() string {
	if l.By == ByID {
		return "id:" + l.Value
	}
	return "css:" + l.Value
}

func (l Locator) queryOption() chromedp.QueryOption {
	if l.By == ByID {
		return chromedp.ByID
	}
	return chromedp.ByQuery
}
