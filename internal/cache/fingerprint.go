package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"parable-server/internal/models"
)

// Fingerprint - нормализованный составной ключ запроса генерации.
type Fingerprint struct {
	Text    string
	Model   string
	Variant int // Длительность клипа или 0 для изображений
	Kind    models.MediaKind
}

// NewFingerprint создает отпечаток, нормализуя текстовую часть (trim + lowercase),
// чтобы пробелы и регистр не давали ложных промахов кеша.
func NewFingerprint(text, model string, variant int, kind models.MediaKind) Fingerprint {
	return Fingerprint{
		Text:    normalize(text),
		Model:   model,
		Variant: variant,
		Kind:    kind,
	}
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Key возвращает ключ записи в хранилище: "<kind>:<sha256>".
func (f Fingerprint) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", f.Kind, f.Model, f.Variant, normalize(f.Text))
	return string(f.Kind) + ":" + hex.EncodeToString(h.Sum(nil))
}

// KindFromKey извлекает тип медиа из ключа записи.
func KindFromKey(key string) (models.MediaKind, bool) {
	kind, _, ok := strings.Cut(key, ":")
	if !ok {
		return "", false
	}
	switch models.MediaKind(kind) {
	case models.MediaImage, models.MediaClip, models.MediaAudio:
		return models.MediaKind(kind), true
	}
	return "", false
}
