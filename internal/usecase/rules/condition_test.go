package rules

import (
	"testing"
	"time"

	"tg-autoreply-bot/internal/domain"
)

func at(hour, minute int, weekday time.Weekday) time.Time {
	// 2 июня 2025 — понедельник.
	base := time.Date(2025, 6, 2, hour, minute, 0, 0, time.UTC)
	return base.AddDate(0, 0, int(weekday-base.Weekday()))
}

func TestTimeWindowCondition(t *testing.T) {
	cond, err := compileCondition(domain.Condition{
		Kind:    domain.CondTimeWindow,
		Windows: []domain.TimeWindow{{From: "09:00", To: "18:00"}},
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if ok, _ := cond.Met(domain.Message{}, at(12, 0, time.Monday)); !ok {
		t.Fatal("полдень должен попадать в окно 09:00–18:00")
	}
	if ok, _ := cond.Met(domain.Message{}, at(20, 0, time.Monday)); ok {
		t.Fatal("вечер не должен попадать в окно 09:00–18:00")
	}
	// Правая граница исключена.
	if ok, _ := cond.Met(domain.Message{}, at(18, 0, time.Monday)); ok {
		t.Fatal("18:00 не должно попадать в окно до 18:00")
	}
}

func TestTimeWindowAcrossMidnight(t *testing.T) {
	cond, err := compileCondition(domain.Condition{
		Kind:    domain.CondTimeWindow,
		Windows: []domain.TimeWindow{{From: "22:00", To: "06:00"}},
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ok, _ := cond.Met(domain.Message{}, at(23, 30, time.Monday)); !ok {
		t.Fatal("23:30 должно попадать в ночное окно")
	}
	if ok, _ := cond.Met(domain.Message{}, at(3, 0, time.Monday)); !ok {
		t.Fatal("03:00 должно попадать в ночное окно")
	}
	if ok, _ := cond.Met(domain.Message{}, at(12, 0, time.Monday)); ok {
		t.Fatal("полдень не должен попадать в ночное окно")
	}
}

func TestTimeWindowWeekdays(t *testing.T) {
	cond, err := compileCondition(domain.Condition{
		Kind: domain.CondTimeWindow,
		Windows: []domain.TimeWindow{{
			From: "00:00", To: "23:59",
			Weekdays: []time.Weekday{time.Saturday, time.Sunday},
		}},
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ok, _ := cond.Met(domain.Message{}, at(12, 0, time.Saturday)); !ok {
		t.Fatal("суббота должна проходить фильтр дней недели")
	}
	if ok, _ := cond.Met(domain.Message{}, at(12, 0, time.Wednesday)); ok {
		t.Fatal("среда не должна проходить фильтр выходных")
	}
}

func TestSenderCondition(t *testing.T) {
	cond, err := compileCondition(domain.Condition{
		Kind:  domain.CondSender,
		Allow: []int64{10, 20},
		Deny:  []int64{20},
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if ok, _ := cond.Met(domain.Message{SenderID: 10}, time.Now()); !ok {
		t.Fatal("отправитель из белого списка должен проходить")
	}
	// Чёрный список сильнее белого.
	if ok, reason := cond.Met(domain.Message{SenderID: 20}, time.Now()); ok || reason != "отправитель в чёрном списке" {
		t.Fatalf("ожидали отказ по чёрному списку, получили ok=%v reason=%q", ok, reason)
	}
	if ok, _ := cond.Met(domain.Message{SenderID: 30}, time.Now()); ok {
		t.Fatal("отправитель вне белого списка не должен проходить")
	}
}

func TestLengthConditionCountsRunes(t *testing.T) {
	cond, err := compileCondition(domain.Condition{Kind: domain.CondTextLength, MinLen: 3, MaxLen: 5})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// 5 кириллических рун, 10 байт.
	if ok, _ := cond.Met(domain.Message{Text: "добро"}, time.Now()); !ok {
		t.Fatal("длина должна считаться в рунах, а не в байтах")
	}
	if ok, _ := cond.Met(domain.Message{Text: "да"}, time.Now()); ok {
		t.Fatal("текст короче минимума должен отклоняться")
	}
}

func TestCompileConditionValidation(t *testing.T) {
	cases := []domain.Condition{
		{Kind: domain.CondTimeWindow},
		{Kind: domain.CondTimeWindow, Windows: []domain.TimeWindow{{From: "25:00", To: "10:00"}}},
		{Kind: domain.CondChatKind},
		{Kind: domain.CondTextLength, MinLen: 10, MaxLen: 5},
		{Kind: "geo"},
	}
	for i, c := range cases {
		if _, err := compileCondition(c); err == nil {
			t.Fatalf("условие %d: ожидали ошибку компиляции", i)
		}
	}
}
