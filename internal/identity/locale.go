package identity

import (
	"strings"
	"time"
)

// DefaultLocale 是时区没有映射时使用的区域设置。
const DefaultLocale = "en-US"

// timezoneLocales 是 IANA 时区到区域设置的静态映射, 覆盖主要地区。
var timezoneLocales = map[string]string{
	// Americas
	"America/New_York":               "en-US",
	"America/Chicago":                "en-US",
	"America/Denver":                 "en-US",
	"America/Phoenix":                "en-US",
	"America/Los_Angeles":            "en-US",
	"America/Anchorage":              "en-US",
	"Pacific/Honolulu":               "en-US",
	"America/Detroit":                "en-US",
	"America/Toronto":                "en-CA",
	"America/Vancouver":              "en-CA",
	"America/Montreal":               "fr-CA",
	"America/Mexico_City":            "es-MX",
	"America/Bogota":                 "es-CO",
	"America/Lima":                   "es-PE",
	"America/Santiago":               "es-CL",
	"America/Argentina/Buenos_Aires": "es-AR",
	"America/Caracas":                "es-VE",
	"America/Sao_Paulo":              "pt-BR",
	// Europe
	"Europe/London":     "en-GB",
	"Europe/Dublin":     "en-IE",
	"Europe/Paris":      "fr-FR",
	"Europe/Brussels":   "nl-BE",
	"Europe/Amsterdam":  "nl-NL",
	"Europe/Berlin":     "de-DE",
	"Europe/Vienna":     "de-AT",
	"Europe/Zurich":     "de-CH",
	"Europe/Madrid":     "es-ES",
	"Europe/Lisbon":     "pt-PT",
	"Europe/Rome":       "it-IT",
	"Europe/Stockholm":  "sv-SE",
	"Europe/Oslo":       "nb-NO",
	"Europe/Copenhagen": "da-DK",
	"Europe/Helsinki":   "fi-FI",
	"Europe/Warsaw":     "pl-PL",
	"Europe/Prague":     "cs-CZ",
	"Europe/Budapest":   "hu-HU",
	"Europe/Bucharest":  "ro-RO",
	"Europe/Athens":     "el-GR",
	"Europe/Istanbul":   "tr-TR",
	"Europe/Kiev":       "uk-UA",
	"Europe/Kyiv":       "uk-UA",
	"Europe/Moscow":     "ru-RU",
	// Asia
	"Asia/Tokyo":        "ja-JP",
	"Asia/Seoul":        "ko-KR",
	"Asia/Shanghai":     "zh-CN",
	"Asia/Hong_Kong":    "zh-HK",
	"Asia/Taipei":       "zh-TW",
	"Asia/Singapore":    "en-SG",
	"Asia/Kolkata":      "hi-IN",
	"Asia/Calcutta":     "hi-IN",
	"Asia/Bangkok":      "th-TH",
	"Asia/Ho_Chi_Minh":  "vi-VN",
	"Asia/Jakarta":      "id-ID",
	"Asia/Manila":       "en-PH",
	"Asia/Kuala_Lumpur": "ms-MY",
	"Asia/Dubai":        "ar-AE",
	"Asia/Riyadh":       "ar-SA",
	"Asia/Jerusalem":    "he-IL",
	"Asia/Tehran":       "fa-IR",
	"Asia/Karachi":      "ur-PK",
	// Oceania
	"Australia/Sydney":    "en-AU",
	"Australia/Melbourne": "en-AU",
	"Australia/Perth":     "en-AU",
	"Australia/Brisbane":  "en-AU",
	"Pacific/Auckland":    "en-NZ",
	// Africa
	"Africa/Cairo":        "ar-EG",
	"Africa/Johannesburg": "en-ZA",
	"Africa/Lagos":        "en-NG",
	"Africa/Nairobi":      "en-KE",
	"Africa/Casablanca":   "fr-MA",
}

// LocaleForTimezone 返回时区映射的区域设置, 以及该时区是否在表中。
func LocaleForTimezone(tz string) (string, bool) {
	if l, ok := timezoneLocales[tz]; ok {
		return l, true
	}
	return DefaultLocale, false
}

// LanguageOf 返回 locale 的语言部分, 例如 "de-DE" -> "de"。
func LanguageOf(locale string) string {
	if i := strings.IndexByte(locale, '-'); i > 0 {
		return locale[:i]
	}
	return locale
}

// TimezoneOffsetMinutes 返回 tz 在 at 时刻的 getTimezoneOffset 值:
// 本地时间加上该分钟数得到 UTC, 所以 UTC 以东为负。
func TimezoneOffsetMinutes(tz string, at time.Time) (int, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, err
	}
	_, offset := at.In(loc).Zone()
	return -offset / 60, nil
}
