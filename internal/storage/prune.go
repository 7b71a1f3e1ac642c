package storage

import "parable-server/internal/models"

// PrunePolicy - политика деструктивной очистки сессий при нехватке места.
type PrunePolicy struct {
	CompletedKeep  int // Сколько последних сегментов/записей истории оставить у завершенных историй
	IncompleteKeep int // То же для незавершенных
}

// DefaultPrunePolicy: завершенные - 20 последних, незавершенные - 30 последних.
func DefaultPrunePolicy() PrunePolicy {
	return PrunePolicy{CompletedKeep: 20, IncompleteKeep: 30}
}

// Prune возвращает усеченную копию сессии. У завершенных историй также
// отбрасываются ожидающие выборы.
func (p PrunePolicy) Prune(s models.Session) models.Session {
	out := s.Clone()
	keep := p.IncompleteKeep
	if s.IsCompleted {
		keep = p.CompletedKeep
		out.Choices = []string{}
	}
	if keep > 0 {
		out.Segments = lastN(out.Segments, keep)
		out.StoryHistory = lastN(out.StoryHistory, keep)
	}
	return out
}

func lastN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return append([]T(nil), items[len(items)-n:]...)
}
