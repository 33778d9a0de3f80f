// Package batch splits device lists into to-device request batches.
package batch

import (
	"groupcrypt/internal/domain"
)

// ByUser groups items into batches of at most max items without splitting
// one user's items across batches. Items keep their relative order and a
// user's items are gathered at its first appearance. A single user with more
// than max items gets an oversized batch of its own.
func ByUser[T any](items []T, user func(T) domain.UserID, max int) [][]T {
	var order []domain.UserID
	groups := make(map[domain.UserID][]T)
	for _, it := range items {
		u := user(it)
		if _, ok := groups[u]; !ok {
			order = append(order, u)
		}
		groups[u] = append(groups[u], it)
	}

	var (
		out     [][]T
		current []T
	)
	for _, u := range order {
		g := groups[u]
		if len(current) > 0 && len(current)+len(g) > max {
			out = append(out, current)
			current = nil
		}
		current = append(current, g...)
		if len(current) >= max {
			out = append(out, current)
			current = nil
		}
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}
