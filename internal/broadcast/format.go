package broadcast

import (
	"strings"

	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
)

// mdSpecial are the characters legacy Telegram Markdown treats as markup.
const mdSpecial = "_*`["

var mdEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// mdBold wraps s in a bold entity. Escapes are not allowed inside an
// entity, so the entity is closed around every special character.
func mdBold(s string) string {
	var b strings.Builder
	run := func(seg string) {
		if seg != "" {
			b.WriteString("*")
			b.WriteString(seg)
			b.WriteString("*")
		}
	}
	start := 0
	for i, r := range s {
		if !strings.ContainsRune(mdSpecial, r) {
			continue
		}
		run(s[start:i])
		b.WriteByte('\\')
		b.WriteRune(r)
		start = i + 1
	}
	run(s[start:])
	return b.String()
}

// cardWriter renders the same card layout as Markdown or as plain text.
type cardWriter struct {
	b        strings.Builder
	markdown bool
}

func (w *cardWriter) text(s string) {
	if w.markdown {
		s = mdEscaper.Replace(s)
	}
	w.b.WriteString(s)
}

func (w *cardWriter) bold(s string) {
	if w.markdown {
		s = mdBold(s)
	}
	w.b.WriteString(s)
}

func (w *cardWriter) raw(s string) { w.b.WriteString(s) }

func renderCard(c storage.Card, markdown bool) string {
	front := strings.TrimSpace(c.Front)
	if front == "" {
		front = "(empty)"
	}
	back := strings.TrimSpace(c.Back)
	if back == "" {
		back = "(empty)"
	}

	w := &cardWriter{markdown: markdown}
	w.raw("🎴 ")
	w.bold("Flashcard of the day")
	w.raw("\n")
	if d := strings.TrimSpace(c.Deck); d != "" {
		w.raw("📚 ")
		w.text(d)
		w.raw("\n")
	}
	w.raw("\n🔤 ")
	w.bold(front)
	w.raw("\n\n💡 ")
	w.bold("Back:")
	w.raw("\n")
	w.text(back)
	w.raw("\n")
	if p := strings.TrimSpace(c.Pronunciation); p != "" {
		w.raw("\n🗣️ ")
		w.bold("Pronunciation:")
		w.raw(" /")
		w.text(p)
		w.raw("/")
	}
	w.raw("\n\n⏰ Review a little every day! 📖✨")
	return w.b.String()
}

// CardMessage renders a flashcard as a Markdown message, with the card image
// attached when it has one. Plain carries the same card without markup.
func CardMessage(c storage.Card) kit.Message {
	return kit.Message{
		Text:     renderCard(c, true),
		Plain:    renderCard(c, false),
		ImageURL: strings.TrimSpace(c.Image),
		Markdown: true,
	}
}
