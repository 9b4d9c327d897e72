package rules

import (
	"fmt"
	"time"

	"tg-autoreply-bot/internal/domain"
)

// condition — скомпилированное условие применимости правила. Условия чистые:
// зависят только от сообщения и текущего времени.
type condition interface {
	// Met возвращает признак выполнения и причину отказа.
	Met(msg domain.Message, now time.Time) (bool, string)
}

type compiledWindow struct {
	from     int // минуты от полуночи
	to       int
	weekdays map[time.Weekday]struct{}
}

func (w compiledWindow) contains(now time.Time) bool {
	if len(w.weekdays) > 0 {
		if _, ok := w.weekdays[now.Weekday()]; !ok {
			return false
		}
	}
	minute := now.Hour()*60 + now.Minute()
	if w.from <= w.to {
		return minute >= w.from && minute < w.to
	}
	// Окно через полночь.
	return minute >= w.from || minute < w.to
}

type timeWindowCondition struct {
	windows []compiledWindow
}

func (c timeWindowCondition) Met(msg domain.Message, now time.Time) (bool, string) {
	for _, w := range c.windows {
		if w.contains(now) {
			return true, ""
		}
	}
	return false, "вне окна времени"
}

type chatKindCondition struct {
	kinds map[domain.ChatKind]struct{}
}

func (c chatKindCondition) Met(msg domain.Message, now time.Time) (bool, string) {
	if _, ok := c.kinds[msg.Kind]; ok {
		return true, ""
	}
	return false, fmt.Sprintf("тип чата %s не разрешён", msg.Kind)
}

type senderCondition struct {
	allow map[int64]struct{}
	deny  map[int64]struct{}
}

func (c senderCondition) Met(msg domain.Message, now time.Time) (bool, string) {
	if _, ok := c.deny[msg.SenderID]; ok {
		return false, "отправитель в чёрном списке"
	}
	if len(c.allow) > 0 {
		if _, ok := c.allow[msg.SenderID]; !ok {
			return false, "отправитель не в белом списке"
		}
	}
	return true, ""
}

type lengthCondition struct {
	min int
	max int
}

func (c lengthCondition) Met(msg domain.Message, now time.Time) (bool, string) {
	n := len([]rune(msg.Text))
	if c.min > 0 && n < c.min {
		return false, "текст короче минимума"
	}
	if c.max > 0 && n > c.max {
		return false, "текст длиннее максимума"
	}
	return true, ""
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("разбор времени %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// compileCondition строит условие по описанию правила.
func compileCondition(c domain.Condition) (condition, error) {
	switch c.Kind {
	case domain.CondTimeWindow:
		if len(c.Windows) == 0 {
			return nil, fmt.Errorf("условие time_window без окон")
		}
		windows := make([]compiledWindow, 0, len(c.Windows))
		for _, w := range c.Windows {
			from, err := parseClock(w.From)
			if err != nil {
				return nil, err
			}
			to, err := parseClock(w.To)
			if err != nil {
				return nil, err
			}
			cw := compiledWindow{from: from, to: to}
			if len(w.Weekdays) > 0 {
				cw.weekdays = make(map[time.Weekday]struct{}, len(w.Weekdays))
				for _, d := range w.Weekdays {
					cw.weekdays[d] = struct{}{}
				}
			}
			windows = append(windows, cw)
		}
		return timeWindowCondition{windows: windows}, nil
	case domain.CondChatKind:
		if len(c.ChatKinds) == 0 {
			return nil, fmt.Errorf("условие chat_kind без типов чатов")
		}
		kinds := make(map[domain.ChatKind]struct{}, len(c.ChatKinds))
		for _, k := range c.ChatKinds {
			kinds[k] = struct{}{}
		}
		return chatKindCondition{kinds: kinds}, nil
	case domain.CondSender:
		cond := senderCondition{
			allow: make(map[int64]struct{}, len(c.Allow)),
			deny:  make(map[int64]struct{}, len(c.Deny)),
		}
		for _, id := range c.Allow {
			cond.allow[id] = struct{}{}
		}
		for _, id := range c.Deny {
			cond.deny[id] = struct{}{}
		}
		return cond, nil
	case domain.CondTextLength:
		if c.MinLen < 0 || c.MaxLen < 0 || (c.MaxLen > 0 && c.MinLen > c.MaxLen) {
			return nil, fmt.Errorf("некорректные границы длины текста")
		}
		return lengthCondition{min: c.MinLen, max: c.MaxLen}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип условия %q", c.Kind)
	}
}
