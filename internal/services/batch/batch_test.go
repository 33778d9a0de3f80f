package batch_test

import (
	"fmt"
	"testing"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/services/batch"
)

func devices(users ...int) []domain.DeviceKey {
	var out []domain.DeviceKey
	for u, n := range users {
		for d := 0; d < n; d++ {
			out = append(out, domain.DeviceKey{
				UserID:   domain.UserID(fmt.Sprintf("@u%d:s.org", u)),
				DeviceID: domain.DeviceID(fmt.Sprintf("D%d", d)),
			})
		}
	}
	return out
}

func userOf(k domain.DeviceKey) domain.UserID { return k.UserID }

func sizes(batches [][]domain.DeviceKey) []int {
	var out []int
	for _, b := range batches {
		out = append(out, len(b))
	}
	return out
}

func TestByUser_TwentyFiveSingleDeviceUsers(t *testing.T) {
	ones := make([]int, 25)
	for i := range ones {
		ones[i] = 1
	}
	got := sizes(batch.ByUser(devices(ones...), userOf, 20))
	if fmt.Sprint(got) != "[20 5]" {
		t.Fatalf("batch sizes = %v, want [20 5]", got)
	}
}

func TestByUser_NeverSplitsAUser(t *testing.T) {
	in := devices(8, 8, 8, 1)
	batches := batch.ByUser(in, userOf, 20)
	owner := make(map[domain.UserID]int)
	total := 0
	for i, b := range batches {
		if len(b) > 20 {
			t.Fatalf("batch %d has %d devices", i, len(b))
		}
		for _, k := range b {
			if prev, ok := owner[k.UserID]; ok && prev != i {
				t.Fatalf("%s split across batches %d and %d", k.UserID, prev, i)
			}
			owner[k.UserID] = i
			total++
		}
	}
	if total != len(in) {
		t.Fatalf("batched %d devices, want %d", total, len(in))
	}
	if fmt.Sprint(sizes(batches)) != "[16 9]" {
		t.Fatalf("batch sizes = %v, want [16 9]", sizes(batches))
	}
}

func TestByUser_OversizedUser(t *testing.T) {
	got := sizes(batch.ByUser(devices(2, 25, 1), userOf, 20))
	if fmt.Sprint(got) != "[2 25 1]" {
		t.Fatalf("batch sizes = %v, want [2 25 1]", got)
	}
}

func TestByUser_Empty(t *testing.T) {
	if got := batch.ByUser[domain.DeviceKey](nil, userOf, 20); len(got) != 0 {
		t.Fatalf("want no batches, got %v", got)
	}
}
