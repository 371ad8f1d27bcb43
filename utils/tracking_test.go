package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"coldmail/config"
)

func init() {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
}

const trackBase = "https://app.example.com"

func TestTrackingTokenRoundTrip(t *testing.T) {
	token := TrackingToken("abc.123@example.com")

	assert.Len(t, token, 20)
	assert.True(t, ValidateTrackingToken("abc.123@example.com", token))
	assert.False(t, ValidateTrackingToken("other.456@example.com", token))
	assert.False(t, ValidateTrackingToken("abc.123@example.com", "forged-token-value00"))
}

func TestTrackingTokenIsDeterministic(t *testing.T) {
	assert.Equal(t, TrackingToken("m1@example.com"), TrackingToken("m1@example.com"))
	assert.NotEqual(t, TrackingToken("m1@example.com"), TrackingToken("m2@example.com"))
}

func TestInjectTrackingAppendsPixel(t *testing.T) {
	out := InjectTracking("<p>hello</p>", trackBase, "m1@example.com", true, false)

	assert.Contains(t, out, trackBase+"/track/open/")
	assert.Contains(t, out, `width="1" height="1"`)
	assert.True(t, strings.HasPrefix(out, "<p>hello</p>"))
}

func TestInjectTrackingRewritesLinks(t *testing.T) {
	html := `<a href="https://example.org/pricing">pricing</a>`
	out := InjectTracking(html, trackBase, "m1@example.com", false, true)

	assert.Contains(t, out, trackBase+"/track/click/")
	assert.Contains(t, out, "url=https%3A%2F%2Fexample.org%2Fpricing")
	assert.NotContains(t, out, `href="https://example.org/pricing"`)
}

func TestInjectTrackingLeavesSpecialLinksAlone(t *testing.T) {
	html := `<a href="mailto:me@example.org">mail</a>` +
		`<a href="#section">jump</a>` +
		`<a href="` + trackBase + `/unsubscribe/m1/tok">unsubscribe</a>`

	out := InjectTracking(html, trackBase, "m1@example.com", false, true)
	assert.Equal(t, html, out)
}

func TestInjectTrackingDisabled(t *testing.T) {
	html := `<a href="https://example.org">x</a>`
	assert.Equal(t, html, InjectTracking(html, trackBase, "m1@example.com", false, false))
}
