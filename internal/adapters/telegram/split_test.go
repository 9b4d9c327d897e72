package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortReply(t *testing.T) {
	text := "Здравствуйте! Мы ответим в рабочее время."
	parts := SplitMessage(text)
	if len(parts) != 1 {
		t.Fatalf("частей %d, короткий ответ не должен разбиваться", len(parts))
	}
	if parts[0] != text {
		t.Fatalf("текст изменился: %q", parts[0])
	}
}

func TestSplitMessageEmptyReply(t *testing.T) {
	if parts := SplitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("частей %d, пустой ответ не должен отправляться", len(parts))
	}
}

func TestSplitMessageLongReplyOnNewlines(t *testing.T) {
	greeting := strings.Repeat("Спасибо за обращение! ", 150) // ~3300 рун
	details := strings.Repeat("Подробности по заказу: ", 100)
	signature := "С уважением, поддержка."
	text := greeting + "\n\n" + details + "\n" + signature

	parts := SplitMessage(text)
	if len(parts) != 2 {
		t.Fatalf("частей %d, ожидали разбиение длинного ответа на 2", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > messageLimit {
			t.Fatalf("часть %d длиной %d рун превышает лимит", i, n)
		}
	}
	// Разрыв проходит по переводу строки: приветствие целиком в первой части.
	if parts[0] != greeting {
		t.Fatal("первая часть должна заканчиваться на границе абзаца")
	}
	if !strings.HasSuffix(parts[1], signature) {
		t.Fatalf("вторая часть должна заканчиваться подписью, получили %q", parts[1][len(parts[1])-40:])
	}
}

func TestSplitMessageNoNewlineFallsBackToHardCut(t *testing.T) {
	text := strings.Repeat("ю", messageLimit+100)
	parts := SplitMessage(text)
	if len(parts) != 2 {
		t.Fatalf("частей %d, ожидали жёсткий разрез без переводов строк", len(parts))
	}
	if n := len([]rune(parts[0])); n != messageLimit {
		t.Fatalf("первая часть %d рун, ожидали ровно лимит", n)
	}
	if n := len([]rune(parts[1])); n != 100 {
		t.Fatalf("вторая часть %d рун, ожидали остаток", n)
	}
}
