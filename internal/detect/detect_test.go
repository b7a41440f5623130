package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/browser/browsertest"
	"github.com/sells-group/mapharvest/internal/profile"
)

func TestDetect_CleanPage(t *testing.T) {
	page := browsertest.NewPage()
	page.Location = "https://yandex.ru/maps"
	page.Document = "<html><body><input class='input__control'></body></html>"

	res := FromProfile(profile.Yandex().Captcha, true).Detect(context.Background(), page)
	assert.False(t, res.Blocked)
	assert.Equal(t, BlockNone, res.Type)
}

func TestDetect_SelectorSignal(t *testing.T) {
	page := browsertest.NewPage()
	page.Nodes[".CheckboxCaptcha"] = []*browsertest.Element{{}}

	res := FromProfile(profile.Yandex().Captcha, true).Detect(context.Background(), page)
	require.True(t, res.Blocked)
	assert.Equal(t, BlockCaptcha, res.Type)
	assert.Equal(t, "selector:.CheckboxCaptcha", res.Signal)
}

func TestDetect_URLSignal(t *testing.T) {
	page := browsertest.NewPage()
	page.Location = "https://yandex.ru/ShowCaptcha?cc=1&retpath=maps"

	res := FromProfile(profile.Yandex().Captcha, true).Detect(context.Background(), page)
	require.True(t, res.Blocked)
	assert.Equal(t, "url", res.Signal)
}

func TestDetect_TextMarker(t *testing.T) {
	page := browsertest.NewPage()
	page.Document = "<html><body><h1>Вы не робот?</h1></body></html>"

	res := FromProfile(profile.Yandex().Captcha, true).Detect(context.Background(), page)
	require.True(t, res.Blocked)
	assert.Equal(t, BlockCaptcha, res.Type)
	assert.Equal(t, "text", res.Signal)
}

func TestDetect_TextIgnoresScripts(t *testing.T) {
	page := browsertest.NewPage()
	page.Document = `<html><body><script>window.captchaKey="x"</script><p>Cafe Aroma</p></body></html>`

	res := New(TextSignal{}).Detect(context.Background(), page)
	assert.False(t, res.Blocked)
}

func TestDetect_GenericWordingOnlyWhenEnabled(t *testing.T) {
	page := browsertest.NewPage()
	page.Document = `<html><body><h1>Captcha Escape Room</h1><p>Great place, no captcha at the door.</p></body></html>`

	assert.False(t, FromProfile(profile.Yandex().Captcha, false).Detect(context.Background(), page).Blocked)

	res := FromProfile(profile.Yandex().Captcha, true).Detect(context.Background(), page)
	require.True(t, res.Blocked)
	assert.Equal(t, BlockCaptcha, res.Type)
}

func TestDetect_MarkersWithoutGenericWording(t *testing.T) {
	page := browsertest.NewPage()
	page.Document = "<html><body><h1>Вы не робот?</h1></body></html>"

	res := FromProfile(profile.Yandex().Captcha, false).Detect(context.Background(), page)
	assert.True(t, res.Blocked)
}

type failingSignal struct{}

func (failingSignal) Name() string { return "failing" }

func (failingSignal) Detect(context.Context, browser.Page) (BlockType, error) {
	return BlockNone, errors.New("page gone")
}

func TestDetect_SignalErrorSkipped(t *testing.T) {
	page := browsertest.NewPage()
	page.Location = "https://example.com/showcaptcha"

	res := New(failingSignal{}, URLSignal{Substrings: []string{"showcaptcha"}}).Detect(context.Background(), page)
	require.True(t, res.Blocked)
	assert.Equal(t, "url", res.Signal)
}

func TestFromProfile_SignalOrder(t *testing.T) {
	d := FromProfile(profile.Signals{
		Selectors:   []string{".a", ".b"},
		URLContains: []string{"blocked"},
	}, false)
	names := make([]string, 0, len(d.Signals()))
	for _, s := range d.Signals() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"url", "selector:.a", "selector:.b", "text"}, names)
}

func TestClassifyText(t *testing.T) {
	tests := []struct {
		text string
		want BlockType
	}{
		{"checking your browser before accessing", BlockCloudflare},
		{"cloudflare security challenge", BlockCloudflare},
		{"please complete the recaptcha", BlockCaptcha},
		{"smartcaptcha by yandex cloud", BlockCaptcha},
		{"cafe aroma, lenina 1", BlockNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyText(tt.text), tt.text)
	}
}
