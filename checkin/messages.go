package checkin

import (
	"math"
	"time"

	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const msgCheckedIn = "CHECKED_IN"

// Supported lists the locales with a complete message set. The first entry
// is the fallback.
var Supported = []language.Tag{language.English, language.Spanish}

var matcher = language.NewMatcher(Supported)

var catalog = map[language.Tag]map[string]string{
	language.English: {
		string(KindNoSessionsLeft):        "You have no sessions left. Please purchase a new package.",
		string(KindClientNotFound):        "We could not find this client.",
		string(KindSessionCreationFailed): "Check-in could not be recorded. No session was used; please try again.",
		string(KindPurchaseUpdateFailed):  "Check-in was recorded but your balance could not be updated. Please ask your trainer to review your account.",
		string(KindNetworkError):          "Connection problem. Please try again.",
		string(KindTimeoutError):          "The request took too long. Please try again.",
		string(KindUnknownError):          "Something went wrong. Please try again later.",
	},
	language.Spanish: {
		string(KindNoSessionsLeft):        "No te quedan sesiones. Compra un nuevo paquete.",
		string(KindClientNotFound):        "No encontramos a este cliente.",
		string(KindSessionCreationFailed): "No se pudo registrar la asistencia. No se descontó ninguna sesión; inténtalo de nuevo.",
		string(KindPurchaseUpdateFailed):  "La asistencia quedó registrada pero no se pudo actualizar tu saldo. Pide a tu entrenador que revise tu cuenta.",
		string(KindNetworkError):          "Problema de conexión. Inténtalo de nuevo.",
		string(KindTimeoutError):          "La solicitud tardó demasiado. Inténtalo de nuevo.",
		string(KindUnknownError):          "Algo salió mal. Inténtalo más tarde.",
	},
}

// counted holds the messages that embed a count, as plural.Selectf cases
// over that count.
var counted = map[language.Tag]map[string][]any{
	language.English: {
		msgCheckedIn: {
			"=1", "Checked in. You have %d session remaining.",
			"other", "Checked in. You have %d sessions remaining.",
		},
		string(KindRecentCheckIn): {
			"=1", "You just checked in. Please wait %d second before trying again.",
			"other", "You just checked in. Please wait %d seconds before trying again.",
		},
	},
	language.Spanish: {
		msgCheckedIn: {
			"=1", "Registro completado. Te queda %d sesión.",
			"other", "Registro completado. Te quedan %d sesiones.",
		},
		string(KindRecentCheckIn): {
			"=1", "Acabas de registrarte. Espera %d segundo antes de intentarlo de nuevo.",
			"other", "Acabas de registrarte. Espera %d segundos antes de intentarlo de nuevo.",
		},
	},
}

func init() {
	for tag, msgs := range catalog {
		for key, msg := range msgs {
			if err := message.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
	for tag, msgs := range counted {
		for key, cases := range msgs {
			if err := message.Set(tag, key, plural.Selectf(1, "%d", cases...)); err != nil {
				panic(err)
			}
		}
	}
}

// MatchLocale picks a supported locale from an Accept-Language header.
func MatchLocale(acceptLanguage string, fallback language.Tag) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return fallback
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return fallback
	}
	return Supported[idx]
}

// ParseLocale returns the supported locale closest to s.
func ParseLocale(s string) (language.Tag, bool) {
	tag, err := language.Parse(s)
	if err != nil {
		return language.Und, false
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return language.Und, false
	}
	return Supported[idx], true
}

// Message renders the user-facing text for a result.
func Message(tag language.Tag, res Result) string {
	p := message.NewPrinter(tag)
	switch res.Error {
	case KindNone:
		return p.Sprintf(msgCheckedIn, res.RemainingSessions)
	case KindRecentCheckIn:
		return p.Sprintf(string(KindRecentCheckIn), RetryAfterSeconds(res.RetryAfter))
	}
	if _, ok := catalog[language.English][string(res.Error)]; !ok {
		return p.Sprintf(string(KindUnknownError))
	}
	return p.Sprintf(string(res.Error))
}

// Localize returns res with Message rendered for tag.
func Localize(res Result, tag language.Tag) Result {
	res.Message = Message(tag, res)
	return res
}

// RetryAfterSeconds rounds a wait up to whole seconds.
func RetryAfterSeconds(d time.Duration) int { return int(math.Ceil(d.Seconds())) }
