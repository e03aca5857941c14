// Package portal drives the browser-automated reporting portal: a session
// state machine over a pluggable page driver, with every driver call routed
// through a blocking bridge and every workflow operation wrapped in bounded
// retries.
package portal

import "errors"

// ErrElementNotFound reports a selector that matched nothing. Find returns
// it for a single failed lookup; Session.locate polls Find and returns it
// once the locate timeout expires.
var ErrElementNotFound = errors.New("element not found")

// Element is an opaque handle to a located page element. Handles are only
// meaningful to the driver that issued them.
type Element interface{}

// Driver is the capability set the session needs from a page automation
// backend. Calls are synchronous and may block for the full remote round
// trip; the session never invokes them directly, only through its bridge.
type Driver interface {
	// Navigate loads the given URL.
	Navigate(url string) error

	// Find performs a single lookup for the CSS selector. It returns
	// ErrElementNotFound when nothing matches; it never polls.
	Find(selector string) (Element, error)

	// SendKeys types text into the element.
	SendKeys(el Element, text string) error

	// Clear empties an input element.
	Clear(el Element) error

	// Click clicks the element.
	Click(el Element) error

	// SelectOption chooses the option with the given value attribute from
	// a select element.
	SelectOption(el Element, value string) error

	// SelectOptionText chooses the option with the given visible text from
	// a select element.
	SelectOptionText(el Element, text string) error

	// Dispose tears the underlying browser session down.
	Dispose() error
}
