// Package i18n localizes the messages the exam API returns to candidates
// and staff. Translations are embedded JSON files under locales/.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

// Catalog holds the loaded translations and the fallback language.
type Catalog struct {
	bundle   *i18n.Bundle
	fallback language.Tag
	matcher  language.Matcher
}

// Load parses every embedded locale file. Requests that ask for no
// supported language get fallback.
func Load(fallback string) (*Catalog, error) {
	tag, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", fallback, err)
	}

	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile(path.Join("locales", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, e.Name()); err != nil {
			return nil, fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}

	c := &Catalog{bundle: bundle, fallback: tag}
	c.matcher = language.NewMatcher(c.supported())
	return c, nil
}

// Languages lists the loaded languages, fallback first.
func (c *Catalog) Languages() []string {
	var out []string
	for _, t := range c.supported() {
		out = append(out, t.String())
	}
	return out
}

// Localizer returns a localizer for the best match among the given
// language preferences, such as Accept-Language header values.
func (c *Catalog) Localizer(prefs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(c.bundle, append(prefs, c.fallback.String())...)
}

// Match returns the supported language closest to an Accept-Language value.
func (c *Catalog) Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return c.fallback.String()
	}
	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No {
		return c.fallback.String()
	}
	return c.supported()[idx].String()
}

// supported lists the fallback first so the matcher prefers it on ties.
func (c *Catalog) supported() []language.Tag {
	tags := []language.Tag{c.fallback}
	for _, t := range c.bundle.LanguageTags() {
		if t != c.fallback {
			tags = append(tags, t)
		}
	}
	return tags
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	loc, _ := ctx.Value(ctxKey{}).(*i18n.Localizer)
	return loc
}

// T translates a message by ID. A missing localizer or message yields the ID.
func T(ctx context.Context, msgID string) string {
	return Td(ctx, msgID, nil)
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	loc := localizerFromCtx(ctx)
	if loc == nil {
		return cfg.MessageID
	}
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}
