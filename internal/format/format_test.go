package format

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/ecg.report/internal/session"
)

var _ session.StatusFormatter = (*Formatter)(nil)

func TestNew_LocaleMatching(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"en", "en"},
		{"en-GB", "en"},
		{"de-AT", "de"},
		{"pl", "pl"},
		{"fr", "en"},
		{"", "en"},
		{"not a locale!", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.locale).Locale())
		})
	}
}

func TestFormatProgress_English(t *testing.T) {
	f := New("en")
	assert.Equal(t, "28 seconds left, average 1.250 mV", f.FormatProgress(28, 1.25))
	assert.Equal(t, "1 second left, average 0.800 mV", f.FormatProgress(1, 0.8))
}

func TestFormatProgress_PolishPlurals(t *testing.T) {
	f := New("pl")
	assert.Contains(t, f.FormatProgress(1, 1), "1 sekunda")
	assert.Contains(t, f.FormatProgress(3, 1), "3 sekundy")
	assert.Contains(t, f.FormatProgress(22, 1), "22 sekundy")
	assert.Contains(t, f.FormatProgress(5, 1), "5 sekund")
	assert.Contains(t, f.FormatProgress(12, 1), "12 sekund")
}

func TestFormatProgress_GermanDecimalSeparator(t *testing.T) {
	f := New("de")
	got := f.FormatProgress(10, 1.5)
	assert.Contains(t, got, "Noch 10 Sekunden")
	assert.Contains(t, got, "1,500 mV")
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "Measurement complete, average 2.000 mV", New("en").FormatResult(2))
	assert.Contains(t, New("pl").FormatResult(2), "Pomiar zakończony")
}

func TestFormatWarningAndFailure(t *testing.T) {
	f := New("en")
	assert.Contains(t, f.FormatWarning(), "Lead off")
	assert.Contains(t, f.FormatFailure(), "failed")
	assert.Contains(t, New("de").FormatWarning(), "Kein Kontakt")
}

func TestFormatterIsPure(t *testing.T) {
	f := New("en")
	assert.Equal(t, f.FormatProgress(7, 0.1), f.FormatProgress(7, 0.1))
}
