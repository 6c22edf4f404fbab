// Package i18n normalizes user languages and formats the few user-facing
// notifications the backend sends itself. Prompt rendering belongs to the
// chat layer.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	Russian = "ru"
	English = "en"

	// Default is used for unknown or unsupported languages.
	Default = Russian
)

var (
	supported = []language.Tag{language.Russian, language.English}
	matcher   = language.NewMatcher(supported)
)

// Normalize maps any BCP 47 code (e.g. "en-US", "ru_RU", "uk") to a
// supported language code.
func Normalize(code string) string {
	if code == "" {
		return Default
	}
	tag, err := language.Parse(code)
	if err != nil {
		return Default
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return Default
	}
	base, _ := supported[idx].Base()
	return base.String()
}

// Message keys.
const (
	GenerationDone     = "generation_done"
	GenerationDoneLate = "generation_done_late"
	GenerationFailed   = "generation_failed"
	SubmissionFailed   = "submission_failed"
	DeliveryFallback   = "delivery_fallback"
	OpenProfile        = "open_profile"
)

var messages = map[string]map[string]string{
	GenerationDone: {
		Russian: "✅ Генерация завершена!",
		English: "✅ Generation complete!",
	},
	GenerationDoneLate: {
		Russian: "🎉 Отличные новости! Ваше видео готово (это заняло больше времени, чем обычно):",
		English: "🎉 Great news! Your video is ready (it took longer than usual):",
	},
	GenerationFailed: {
		Russian: "❌ Ошибка генерации\n\n%s\n\n💰 Средства возвращены на баланс.",
		English: "❌ Generation failed\n\n%s\n\n💰 Funds have been refunded.",
	},
	SubmissionFailed: {
		Russian: "❌ Не удалось запустить генерацию. Попробуйте позже.\n\n💰 Средства возвращены на баланс.",
		English: "❌ Could not start the generation. Please try again later.\n\n💰 Funds have been refunded.",
	},
	DeliveryFallback: {
		Russian: "⚠️ Не удалось отправить видео.\n\nВаша генерация успешно завершена!\nВы можете просмотреть результат в вашем профиле в приложении:\n%s",
		English: "⚠️ Could not send the video.\n\nYour generation completed successfully!\nYou can view the result in your profile in the app:\n%s",
	},
	OpenProfile: {
		Russian: "📱 Открыть профиль",
		English: "📱 Open profile",
	},
}

var printers = buildPrinters()

func buildPrinters() map[string]*message.Printer {
	b := catalog.NewBuilder(catalog.Fallback(language.Russian))
	for key, byLang := range messages {
		for code, text := range byLang {
			if err := b.SetString(language.Make(code), key, text); err != nil {
				panic(err)
			}
		}
	}
	out := make(map[string]*message.Printer, len(supported))
	for _, tag := range supported {
		base, _ := tag.Base()
		out[base.String()] = message.NewPrinter(tag, message.Catalog(b))
	}
	return out
}

// T formats the message key in lang. Unknown languages use Default.
func T(lang, key string, args ...interface{}) string {
	p, ok := printers[Normalize(lang)]
	if !ok {
		p = printers[Default]
	}
	return p.Sprintf(key, args...)
}
