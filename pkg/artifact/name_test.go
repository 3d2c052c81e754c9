package artifact

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNameForIsDeterministic(t *testing.T) {
	when := time.Date(2024, 5, 17, 9, 30, 12, 345_000_000, time.UTC)

	a := NameFor("Weekly Sales", when)
	b := NameFor("Weekly Sales", when)
	assert.Equal(t, a, b)
	assert.Equal(t, "reporting_Weekly_Sales_2024-05-17T09-30-12.345Z", a)

	later := NameFor("Weekly Sales", when.Add(time.Millisecond))
	assert.NotEqual(t, a, later)
}

func TestNameForTruncatesToMilliseconds(t *testing.T) {
	when := time.Date(2024, 5, 17, 9, 30, 12, 345_000_000, time.UTC)
	assert.Equal(t, NameFor("Weekly Sales", when), NameFor("Weekly Sales", when.Add(999*time.Microsecond)))
	assert.Equal(t, NameFor("Weekly Sales", when), NameFor("Weekly Sales", time.UnixMilli(when.UnixMilli())))
}

func TestNameForNormalisesZone(t *testing.T) {
	when := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata not available")
	}
	assert.Equal(t, NameFor("x", when), NameFor("x", when.In(berlin)))
}

func TestNameForIsFilesystemAndHeaderSafe(t *testing.T) {
	when := time.Unix(0, 0)
	tests := map[string]string{
		"../../etc/passwd":         "reporting_etc_passwd_",
		"a/b\\c":                   "reporting_a_b_c_",
		"quote\"semi;colon":        "reporting_quote_semi_colon_",
		"tab\tnew\nline\x00":       "reporting_tab_new_line_",
		"Café Überblick":           "reporting_Cafe_Uberblick_",
		"":                         "reporting_report_",
		"///":                      "reporting_report_",
		"日本語":                      "reporting_report_",
		"  spaced   out  name   ": "reporting_spaced_out_name_",
	}
	for in, wantPrefix := range tests {
		got := NameFor(in, when)
		assert.True(t, strings.HasPrefix(got, wantPrefix), "NameFor(%q) = %q", in, got)
		assert.NotContains(t, got, "/")
		assert.NotContains(t, got, "\\")
		assert.NotContains(t, got, "\"")
		for _, r := range got {
			assert.False(t, r < 0x20 || r == 0x7f, "control character in %q", got)
		}
	}
}

func TestNameForTruncatesLongNames(t *testing.T) {
	got := NameFor(strings.Repeat("x", 500), time.Unix(0, 0))
	assert.Less(t, len(got), 160)
}

func TestFileNameAndContentType(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, strings.HasSuffix(FileName("r", when, "PDF"), ".pdf"))
	assert.True(t, strings.HasSuffix(FileName("r", when, "png"), ".png"))

	assert.Equal(t, "application/pdf", ContentType("pdf"))
	assert.Equal(t, "image/png", ContentType("png"))
	assert.Equal(t, "application/octet-stream", ContentType("svg"))
}
