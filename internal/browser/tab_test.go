package browser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		name    string
		locator string
		kind    locatorKind
		value   string
	}{
		{"id selector", "#search", locatorCSS, "#search"},
		{"class selector", ".item .title", locatorCSS, ".item .title"},
		{"explicit css", "css: .row > a ", locatorCSS, ".row > a"},
		{"padded css", "  #padded  ", locatorCSS, "#padded"},
		{"explicit xpath", "xpath://div[@id='x']/a", locatorXPath, "//div[@id='x']/a"},
		{"bare xpath", "//ul/li[2]", locatorXPath, "//ul/li[2]"},
		{"absolute xpath", "/html/body/div", locatorXPath, "/html/body/div"},
		{"grouped xpath", "(//a)[1]", locatorXPath, "(//a)[1]"},
		{"text", "text=Login", locatorText, "Login"},
		{"text with spaces", "text=Sign in", locatorText, "Sign in"},
		{"attribute equals", "@name=q", locatorCSS, `[name="q"]`},
		{"data attribute", "@data-id=42", locatorCSS, `[data-id="42"]`},
		{"bare attribute", "@disabled", locatorCSS, "[disabled]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, value := parseLocator(tt.locator)
			require.Equal(t, tt.kind, kind)
			require.Equal(t, tt.value, value)
		})
	}
}

func TestXPathLiteral(t *testing.T) {
	require.Equal(t, `"Next page"`, xpathLiteral("Next page"))
	require.Equal(t, `"it's fine"`, xpathLiteral("it's fine"))
	require.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
	require.Equal(t, `concat("both ", '"', "x", '"', " and 'y'")`, xpathLiteral(`both "x" and 'y'`))
}

func TestTextXPathMatchesOwnTextOnly(t *testing.T) {
	require.Equal(t, `.//*[contains(text(), "Login")]`, textXPath("Login"))
}
