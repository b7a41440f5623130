package enrich

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTelLinks(t *testing.T) {
	html := `<html><body>
		<a href="tel:+7%20495%20123-45-67">call</a>
		<a href=" TEL:+74951112233 ">call</a>
		<a href="tel:">empty</a>
		<a href="mailto:a@b.c">mail</a>
		<a>no href</a>
	</body></html>`

	got := TelLinks(html, "")
	assert.Equal(t, []string{"+7 495 123-45-67", "+74951112233", ""}, got)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+7 (495) 111-22-33", NormalizePhone("  +7  (495)\n111-22-33 ", ""))
	assert.Equal(t, "", NormalizePhone("   ", "RU"))
	assert.Equal(t, "not a number", NormalizePhone("not a number", "RU"))

	a := NormalizePhone("8 (495) 123-45-67", "RU")
	b := NormalizePhone("+7 495 1234567", "ru")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "+7 495"), a)
}

func TestNormalizeAll_Dedupes(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	got := s.normalizeAll([]string{"+1 555", " +1  555 ", "", "+1 556"})
	assert.Equal(t, []string{"+1 555", "+1 556"}, got)
}
