package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/1122414/AutoWeb/internal/logging"
)

// Tab is the page handle exposed to generated automation code. Element
// lookups wait up to the base timeout, navigation up to the load timeout.
type Tab struct {
	mgr  *Manager
	page *rod.Page
	base time.Duration
	load time.Duration
}

// Element wraps a located DOM node. Read accessors return zero values
// on failure so generated code can chain them without error plumbing;
// actions that change page state report their errors.
type Element struct {
	el   *rod.Element
	base time.Duration
}

type locatorKind int

const (
	locatorCSS locatorKind = iota
	locatorXPath
	locatorText
)

// parseLocator maps the locator grammar onto a strategy:
//
//	"xpath://div"  or a leading "/" or "("  -> XPath
//	"text=Login"                            -> visible-text match
//	"css:.item" or "@name=q" or anything    -> CSS
func parseLocator(locator string) (locatorKind, string) {
	l := strings.TrimSpace(locator)
	switch {
	case strings.HasPrefix(l, "xpath:"):
		return locatorXPath, strings.TrimSpace(strings.TrimPrefix(l, "xpath:"))
	case strings.HasPrefix(l, "/") || strings.HasPrefix(l, "("):
		return locatorXPath, l
	case strings.HasPrefix(l, "text="):
		return locatorText, strings.TrimPrefix(l, "text=")
	case strings.HasPrefix(l, "css:"):
		return locatorCSS, strings.TrimSpace(strings.TrimPrefix(l, "css:"))
	case strings.HasPrefix(l, "@"):
		return locatorCSS, attrSelector(l)
	default:
		return locatorCSS, l
	}
}

func attrSelector(l string) string {
	body := strings.TrimPrefix(l, "@")
	if name, value, ok := strings.Cut(body, "="); ok {
		return fmt.Sprintf(`[%s=%q]`, name, value)
	}
	return "[" + body + "]"
}

// xpathLiteral quotes s for embedding in an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(parts, `, '"', `) + ")"
}

func textXPath(s string) string {
	return ".//*[contains(text(), " + xpathLiteral(s) + ")]"
}

// elementScope is satisfied by both *rod.Page and *rod.Element.
type elementScope interface {
	Element(selector string) (*rod.Element, error)
	ElementX(xpath string) (*rod.Element, error)
	Elements(selector string) (rod.Elements, error)
	ElementsX(xpath string) (rod.Elements, error)
}

// Text locators go through XPath so only an element's own text nodes
// are matched; substring matching over whole subtrees would resolve to
// an ancestor container instead of the labeled element.
func findOne(scope elementScope, locator string) (*rod.Element, error) {
	kind, value := parseLocator(locator)
	switch kind {
	case locatorXPath:
		return scope.ElementX(value)
	case locatorText:
		return scope.ElementX(textXPath(value))
	default:
		return scope.Element(value)
	}
}

func findAll(scope elementScope, locator string) (rod.Elements, error) {
	kind, value := parseLocator(locator)
	switch kind {
	case locatorXPath:
		return scope.ElementsX(value)
	case locatorText:
		return scope.ElementsX(textXPath(value))
	default:
		return scope.Elements(value)
	}
}

// Get navigates the tab and waits for the load event. A slow load is
// logged rather than failed; the DOM snapshot loop tolerates it.
func (t *Tab) Get(url string) error {
	page := t.page.Timeout(t.load)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		logging.BrowserWarn("load wait for %s: %v", url, err)
	}
	return nil
}

func (t *Tab) waitLoaded() {
	if err := t.page.Timeout(t.load).WaitLoad(); err != nil {
		logging.BrowserWarn("load wait: %v", err)
	}
}

// URL returns the tab's current URL, or "" when it cannot be read.
func (t *Tab) URL() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Title returns the tab's document title, or "" when it cannot be read.
func (t *Tab) Title() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

// HTML returns the full serialized document.
func (t *Tab) HTML() (string, error) {
	html, err := t.page.Timeout(t.base).HTML()
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

// Ele finds the first element matching the locator, waiting up to the
// base timeout for it to appear.
func (t *Tab) Ele(locator string) (*Element, error) {
	el, err := findOne(t.page.Timeout(t.base), locator)
	if err != nil {
		return nil, fmt.Errorf("element not found: %q: %w", locator, err)
	}
	return &Element{el: el, base: t.base}, nil
}

// Eles returns all current matches without waiting. Empty on error.
func (t *Tab) Eles(locator string) []*Element {
	els, err := findAll(t.page, locator)
	if err != nil {
		return nil
	}
	return wrapElements(els, t.base)
}

// Latest returns the newest tab, falling back to this one.
func (t *Tab) Latest() *Tab {
	if t.mgr == nil {
		return t
	}
	nt, err := t.mgr.LatestTab(context.Background())
	if err != nil {
		logging.BrowserWarn("latest tab: %v", err)
		return t
	}
	return nt
}

// Close closes the tab. The manager prunes it from tracking via the
// target-destroyed event.
func (t *Tab) Close() error {
	return t.page.Close()
}

// Refresh reloads the tab and waits for the load event.
func (t *Tab) Refresh() error {
	if err := t.page.Timeout(t.load).Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	t.waitLoaded()
	return nil
}

// Back navigates one entry back in the tab history and waits for the
// load event. Detail-page loops use it to return to the listing.
func (t *Tab) Back() error {
	if err := t.page.Timeout(t.load).NavigateBack(); err != nil {
		return fmt.Errorf("navigate back: %w", err)
	}
	t.waitLoaded()
	return nil
}

// ScrollToBottom scrolls the page to its full height, triggering any
// lazy-loaded content.
func (t *Tab) ScrollToBottom() error {
	_, err := t.page.Timeout(t.base).Eval(`() => window.scrollTo(0, document.body.scrollHeight)`)
	if err != nil {
		return fmt.Errorf("scroll to bottom: %w", err)
	}
	return nil
}

// ScrollBy scrolls the page vertically by dy pixels.
func (t *Tab) ScrollBy(dy int) error {
	_, err := t.page.Timeout(t.base).Eval(`(dy) => window.scrollBy(0, dy)`, dy)
	if err != nil {
		return fmt.Errorf("scroll by %d: %w", dy, err)
	}
	return nil
}

// Wait sleeps for the given number of seconds.
func (t *Tab) Wait(seconds float64) {
	time.Sleep(time.Duration(seconds * float64(time.Second)))
}

// RunJS evaluates a function-string (e.g. "() => document.title") and
// returns the result as a string; non-string values are JSON-encoded.
func (t *Tab) RunJS(js string) (string, error) {
	res, err := t.page.Timeout(t.base).Eval(js)
	if err != nil {
		return "", fmt.Errorf("run js: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	if s, ok := res.Value.Val().(string); ok {
		return s, nil
	}
	b, err := json.Marshal(res.Value.Val())
	if err != nil {
		return res.Value.Str(), nil
	}
	return string(b), nil
}

// Screenshot captures the full page as PNG and writes it to path.
func (t *Tab) Screenshot(path string) error {
	data, err := t.page.Timeout(t.load).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("screenshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func wrapElements(els rod.Elements, base time.Duration) []*Element {
	out := make([]*Element, 0, len(els))
	for _, el := range els {
		out = append(out, &Element{el: el, base: base})
	}
	return out
}

// Click scrolls the element into view and performs a left click.
func (e *Element) Click() error {
	_ = e.el.ScrollIntoView()
	if err := e.el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

// Input replaces the element's current text with the given text.
func (e *Element) Input(text string) error {
	_ = e.el.SelectAllText()
	if err := e.el.Input(text); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	return nil
}

// Text returns the element's visible text, trimmed.
func (e *Element) Text() string {
	s, err := e.el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Attr returns the named attribute, or "" when absent.
func (e *Element) Attr(name string) string {
	v, err := e.el.Attribute(name)
	if err != nil || v == nil {
		return ""
	}
	return *v
}

// HTML returns the element's outer HTML, or "" on failure.
func (e *Element) HTML() string {
	s, err := e.el.HTML()
	if err != nil {
		return ""
	}
	return s
}

// Ele finds the first descendant matching the locator.
func (e *Element) Ele(locator string) (*Element, error) {
	el, err := findOne(e.el.Timeout(e.base), locator)
	if err != nil {
		return nil, fmt.Errorf("element not found: %q: %w", locator, err)
	}
	return &Element{el: el, base: e.base}, nil
}

// Eles returns all current descendant matches without waiting.
func (e *Element) Eles(locator string) []*Element {
	els, err := findAll(e.el, locator)
	if err != nil {
		return nil
	}
	return wrapElements(els, e.base)
}
