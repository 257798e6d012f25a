// Package format renders session status text for a locale.
package format

import (
	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	keyProgress = "progress"
	keyResult   = "result"
	keyWarning  = "warning"
	keyFailure  = "failure"
)

var supported = []language.Tag{language.English, language.German, language.Polish}

var matcher = language.NewMatcher(supported)

// Formatter is a pure, locale-bound status formatter.
type Formatter struct {
	tag     language.Tag
	printer *message.Printer
}

// New returns a Formatter for the closest supported match to locale.
// Unknown or malformed locales fall back to English.
func New(locale string) *Formatter {
	tag := language.English
	if want, err := language.Parse(locale); err == nil {
		_, idx, conf := matcher.Match(want)
		if conf != language.No {
			tag = supported[idx]
		}
	}
	return &Formatter{tag: tag, printer: message.NewPrinter(tag, message.Catalog(messages()))}
}

// Locale is the tag the formatter renders for.
func (f *Formatter) Locale() string { return f.tag.String() }

// FormatProgress renders the countdown status while in contact.
func (f *Formatter) FormatProgress(secondsLeft int, average float64) string {
	return f.printer.Sprintf(keyProgress, secondsLeft, average)
}

// FormatResult renders a successful final reading.
func (f *Formatter) FormatResult(average float64) string {
	return f.printer.Sprintf(keyResult, average)
}

// FormatWarning renders the lead-off warning.
func (f *Formatter) FormatWarning() string {
	return f.printer.Sprintf(keyWarning)
}

// FormatFailure renders a session that ended without a result.
func (f *Formatter) FormatFailure() string {
	return f.printer.Sprintf(keyFailure)
}

func messages() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(b.Set(language.English, keyProgress, plural.Selectf(1, "%d",
		plural.One, "1 second left, average %[2].3f mV",
		plural.Other, "%[1]d seconds left, average %[2].3f mV")))
	must(b.SetString(language.English, keyResult, "Measurement complete, average %.3f mV"))
	must(b.SetString(language.English, keyWarning, "Lead off: keep your finger on the sensor"))
	must(b.SetString(language.English, keyFailure, "Measurement failed, please try again"))

	must(b.Set(language.German, keyProgress, plural.Selectf(1, "%d",
		plural.One, "Noch 1 Sekunde, Mittelwert %[2].3f mV",
		plural.Other, "Noch %[1]d Sekunden, Mittelwert %[2].3f mV")))
	must(b.SetString(language.German, keyResult, "Messung abgeschlossen, Mittelwert %.3f mV"))
	must(b.SetString(language.German, keyWarning, "Kein Kontakt: Finger auf dem Sensor lassen"))
	must(b.SetString(language.German, keyFailure, "Messung fehlgeschlagen, bitte erneut versuchen"))

	must(b.Set(language.Polish, keyProgress, plural.Selectf(1, "%d",
		plural.One, "Pozostała 1 sekunda, średnia %[2].3f mV",
		plural.Few, "Pozostały %[1]d sekundy, średnia %[2].3f mV",
		plural.Other, "Pozostało %[1]d sekund, średnia %[2].3f mV")))
	must(b.SetString(language.Polish, keyResult, "Pomiar zakończony, średnia %.3f mV"))
	must(b.SetString(language.Polish, keyWarning, "Brak kontaktu: trzymaj palec na czujniku"))
	must(b.SetString(language.Polish, keyFailure, "Pomiar nieudany, spróbuj ponownie"))

	return b
}
