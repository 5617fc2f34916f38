// Package i18n holds the English and Spanish chat texts.
package i18n

import (
	"fmt"
	"regexp"
	"strings"

	kit "clockbot/internal/transport"
)

type Lang string

const (
	EN Lang = "en"
	ES Lang = "es"
)

// FromCode maps a Telegram language_code to a catalog: es* is Spanish,
// anything else English.
func FromCode(code string) Lang {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(code)), "es") {
		return ES
	}
	return EN
}

// Vars fills {name} placeholders.
type Vars map[string]any

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// T returns the raw text for key, falling back to English and then to key.
func T(lang Lang, key string) string {
	if s, ok := catalogs[lang][key]; ok {
		return s
	}
	if s, ok := catalogs[EN][key]; ok {
		return s
	}
	return key
}

// F returns the text for key with placeholders replaced. Unknown
// placeholders render empty.
func F(lang Lang, key string, vars Vars) string {
	return placeholder.ReplaceAllStringFunc(T(lang, key), func(m string) string {
		v, ok := vars[m[1:len(m)-1]]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// CommandNames lists the menu commands in display order.
var CommandNames = []string{"start", "data", "clocknow", "clockin", "list", "cancel", "location", "settimezone"}

// Commands returns the command menu for lang.
func Commands(lang Lang) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(CommandNames))
	for _, name := range CommandNames {
		out = append(out, kit.BotCommand{Command: name, Description: T(lang, "cmd."+name)})
	}
	return out
}

var catalogs = map[Lang]map[string]string{
	EN: {
		"cmd.start":       "Get setup instructions and login steps",
		"cmd.data":        "Show your saved account info",
		"cmd.clocknow":    "Clock in right now",
		"cmd.clockin":     "Schedule a future clock-in time",
		"cmd.list":        "List your scheduled clock-ins",
		"cmd.cancel":      "Cancel a scheduled clock-in",
		"cmd.location":    "Show your saved location link",
		"cmd.settimezone": "Set your time zone",

		"start":              "Welcome! 👋\n\nHere is how to get started:\n1) Install the Chrome extension: https://chromewebstore.google.com/detail/get-cookiestxt-locally/cclelndahbckbenkjhflpdbgdldlbecc\n2) Export your cookies as a JSON file\n3) Send the JSON file to me using Telegram Web: https://web.telegram.org/\n\nAfter you are logged in, you can update your location anytime by sending a location from the Telegram location picker 📍",
		"loginRequired":      "You have to log in /start 🔐",
		"sessionExpired":     "Your session expired. Please log in again with /start 🔐",
		"profileUnreadable":  "Your saved login could not be read. Please log in again with /start 🔐",
		"usageClockin":       "Usage: /clockin 14:00 or /clockin 5pm or /clockin 5:20pm ⏰",
		"invalidClockin":     "Invalid time format 😅 Try /clockin 14:00, /clockin 5pm, or /clockin 5:20pm",
		"scheduledClockin":   "✅ Scheduled clock-in 🎉\nTime: {time}\nTask ID: {id}",
		"clockedInNow":       "Clocked in successfully ✅",
		"clockedInScheduled": "✅ Clocked in (scheduled) 🎯\nTime: {time}",
		"scheduledFailed":    "❌ Scheduled clock-in failed: {error}",
		"clocknowError":      "❌ Error: {error}",
		"listHeader":         "Here are your scheduled clock-ins 📋",
		"listEmpty":          "No scheduled clock-ins yet 💤",
		"status.pending":     "pending",
		"status.executed":    "executed",
		"status.failed":      "failed",
		"status.cancelled":   "cancelled",
		"cancelUsage":        "Usage: /cancel <task-id> or /cancel all 🧹",
		"cancelNotFound":     "I can't find that task id for you 🤔",
		"cancelOk":           "Cancelled ✅\nTask ID: {id}",
		"cancelAllNone":      "No pending tasks to cancel 💤",
		"cancelAllOk":        "Cancelled {count} task(s) ✅🧹",
		"cancelFail":         "Couldn't cancel that task 😬",
		"dataHeader":         "🧾 User data",
		"dataUserId":         "🆔 User ID: {userId}",
		"dataLocation":       "📍 Location: {lat}, {long} (accuracy {accuracy})",
		"dataDomain":         "🏢 Domain: {domain}",
		"dataTimeZone":       "🕒 Time zone: {tz}",
		"dataCookies":        "🍪 Cookies:",
		"dataCookieHcmex":    "- _hcmex_key: {status}",
		"dataCookieDevice":   "- device_id: {status}",
		"dataCookieGeo":      "- geo: {status}",
		"dataExpires":        "⏳ Expires: {expires}",
		"statusSet":          "set",
		"statusMissing":      "missing",
		"setTimeZoneUsage":   "Usage: /setTimeZone Europe/Madrid",
		"setTimeZoneInvalid": "Invalid time zone. Example: /setTimeZone Europe/Madrid",
		"setTimeZoneOk":      "✅ Time zone updated to {tz}",
		"docInvalid":         "Please send a .json file",
		"docTooLarge":        "File too large. Max 5MB.",
		"docParsed":          "✅ Parsed successfully!\n\n{details}",
		"docError":           "❌ Error: {error}",
		"docDetails":         "lat long {lat}, {long}\n{link}\n\ndomain {domain}\nexpires on {expires}",
		"docInvalidJson":     "Invalid JSON",
		"docNoUser":          "No user id in the session cookie",
		"locationUpdated":    "📍 Location updated!\n{link}",
		"internalError":      "Something went wrong, please try again later 🙏",
		"unknownCommand":     "Unknown command. Try /start",
	},
	ES: {
		"cmd.start":       "Ver instrucciones de inicio y acceso",
		"cmd.data":        "Mostrar tu informacion guardada",
		"cmd.clocknow":    "Fichar ahora mismo",
		"cmd.clockin":     "Programar un fichaje",
		"cmd.list":        "Ver fichajes programados",
		"cmd.cancel":      "Cancelar un fichaje programado",
		"cmd.location":    "Mostrar enlace de ubicacion guardada",
		"cmd.settimezone": "Configurar zona horaria",

		"start":              "Bienvenido! 👋\n\nComo empezar:\n1) Instala la extension de Chrome: https://chromewebstore.google.com/detail/get-cookiestxt-locally/cclelndahbckbenkjhflpdbgdldlbecc\n2) Exporta tus cookies como archivo JSON\n3) Enviame el JSON usando Telegram Web: https://web.telegram.org/\n\nDespues de iniciar sesion, puedes actualizar tu ubicacion enviando una ubicacion desde el selector de Telegram 📍",
		"loginRequired":      "Tienes que iniciar sesion con /start 🔐",
		"sessionExpired":     "Tu sesion expiro. Inicia sesion otra vez con /start 🔐",
		"profileUnreadable":  "No se pudo leer tu sesion guardada. Inicia sesion otra vez con /start 🔐",
		"usageClockin":       "Uso: /clockin 14:00 o /clockin 5pm o /clockin 5:20pm ⏰",
		"invalidClockin":     "Formato de hora invalido 😅 Prueba /clockin 14:00, /clockin 5pm, o /clockin 5:20pm",
		"scheduledClockin":   "✅ Fichaje programado 🎉\nHora: {time}\nID de tarea: {id}",
		"clockedInNow":       "Fichado correctamente ✅",
		"clockedInScheduled": "✅ Fichado (programado) 🎯\nHora: {time}",
		"scheduledFailed":    "❌ Fallo el fichaje programado: {error}",
		"clocknowError":      "❌ Error: {error}",
		"listHeader":         "Estos son tus fichajes programados 📋",
		"listEmpty":          "No hay fichajes programados 💤",
		"status.pending":     "pendiente",
		"status.executed":    "ejecutado",
		"status.failed":      "fallido",
		"status.cancelled":   "cancelado",
		"cancelUsage":        "Uso: /cancel <task-id> o /cancel all 🧹",
		"cancelNotFound":     "No encuentro ese id de tarea 🤔",
		"cancelOk":           "Cancelado ✅\nID de tarea: {id}",
		"cancelAllNone":      "No hay tareas pendientes para cancelar 💤",
		"cancelAllOk":        "Canceladas {count} tarea(s) ✅🧹",
		"cancelFail":         "No pude cancelar esa tarea 😬",
		"dataHeader":         "🧾 Datos de usuario",
		"dataUserId":         "🆔 ID de usuario: {userId}",
		"dataLocation":       "📍 Ubicacion: {lat}, {long} (precision {accuracy})",
		"dataDomain":         "🏢 Dominio: {domain}",
		"dataTimeZone":       "🕒 Zona horaria: {tz}",
		"dataCookies":        "🍪 Cookies:",
		"dataCookieHcmex":    "- _hcmex_key: {status}",
		"dataCookieDevice":   "- device_id: {status}",
		"dataCookieGeo":      "- geo: {status}",
		"dataExpires":        "⏳ Expira: {expires}",
		"statusSet":          "ok",
		"statusMissing":      "falta",
		"setTimeZoneUsage":   "Uso: /setTimeZone Europe/Madrid",
		"setTimeZoneInvalid": "Zona horaria invalida. Ejemplo: /setTimeZone Europe/Madrid",
		"setTimeZoneOk":      "✅ Zona horaria actualizada a {tz}",
		"docInvalid":         "Por favor envia un archivo .json",
		"docTooLarge":        "Archivo demasiado grande. Maximo 5MB.",
		"docParsed":          "✅ Parseado correctamente!\n\n{details}",
		"docError":           "❌ Error: {error}",
		"docDetails":         "lat long {lat}, {long}\n{link}\n\ndominio {domain}\nexpira el {expires}",
		"docInvalidJson":     "JSON invalido",
		"docNoUser":          "No hay id de usuario en la cookie de sesion",
		"locationUpdated":    "📍 Ubicacion actualizada!\n{link}",
		"internalError":      "Algo salio mal, intentalo mas tarde 🙏",
		"unknownCommand":     "Comando desconocido. Prueba /start",
	},
}
