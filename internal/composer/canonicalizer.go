package composer

import (
	"context"
	"errors"
	"strings"

	"regpipe/internal/validator"
	"regpipe/pkg/platform/sentinel"
)

// AliasResolver is the slice of the rule store the canonicalizer needs.
type AliasResolver interface {
	ResolveAlias(ctx context.Context, alias string) (string, error)
}

// Slugify folds a proposed concept name to its canonical slug form:
// diacritic-insensitive lowercase with hyphen-separated tokens. "Stopa PDV-a"
// and "stopa pdv a" normalize identically.
func Slugify(proposed string) string {
	normalized := validator.NormalizeText(proposed)
	var b strings.Builder
	b.Grow(len(normalized))
	lastHyphen := true
	for _, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// CanonicalSlug resolves a proposed concept name through normalization and
// the alias table. An unknown slug is its own canonical form.
func CanonicalSlug(ctx context.Context, aliases AliasResolver, proposed string) (string, error) {
	slug := Slugify(proposed)
	canonical, err := aliases.ResolveAlias(ctx, slug)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return slug, nil
		}
		return "", err
	}
	return canonical, nil
}
