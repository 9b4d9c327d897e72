package actions

import (
	"fmt"
	"testing"
	"time"
)

func TestMemoryDedupMarkOnce(t *testing.T) {
	d := NewMemoryDedup(100)

	first, err := d.MarkOnce("k", time.Minute)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !first {
		t.Fatal("первый ключ должен быть новым")
	}
	if again, _ := d.MarkOnce("k", time.Minute); again {
		t.Fatal("повтор ключа в пределах TTL должен подавляться")
	}
}

func TestMemoryDedupTTLExpiry(t *testing.T) {
	d := NewMemoryDedup(100)
	now := time.Now()
	d.now = func() time.Time { return now }

	if first, _ := d.MarkOnce("k", time.Minute); !first {
		t.Fatal("первый ключ должен быть новым")
	}

	now = now.Add(2 * time.Minute)
	if first, _ := d.MarkOnce("k", time.Minute); !first {
		t.Fatal("ключ с истёкшим TTL должен считаться новым")
	}
	if d.size() != 1 {
		t.Fatalf("размер %d, ожидали вытеснение протухшей записи", d.size())
	}
}

func TestMemoryDedupSizeBound(t *testing.T) {
	d := NewMemoryDedup(3)
	for i := 0; i < 10; i++ {
		if _, err := d.MarkOnce(fmt.Sprintf("k%d", i), time.Hour); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if d.size() > 3 {
		t.Fatalf("размер %d, хранилище не должно расти выше ёмкости 3", d.size())
	}
	// Самый старый ключ вытеснен, поэтому больше не считается дублем.
	if first, _ := d.MarkOnce("k0", time.Hour); !first {
		t.Fatal("вытесненный ключ должен считаться новым")
	}
}
