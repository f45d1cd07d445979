package arbiter

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/config"
	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/patterns"
	"github.com/iamwavecut/ngmod/internal/ratewindow"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const (
	DefaultEditThreshold   = 0.30
	DefaultHashMaxDistance = 5
)

// Policy is the effective detection configuration for one chat.
type Policy struct {
	Enabled             bool
	Limits              ratewindow.Limits
	Patterns            patterns.CheckOptions
	EditThreshold       float64
	EditAction          verdict.Action
	LinkInjectionAction verdict.Action
	HashMaxDistance     int
}

// ResolvePolicy layers chat settings over the process configuration. A nil
// settings value yields the configured defaults.
func ResolvePolicy(base config.Detection, settings *db.Settings) Policy {
	volume := verdict.ParseAction(base.VolumeAction, verdict.ActionDelete)
	repetition := verdict.ParseAction(base.RepetitionAction, verdict.ActionDelete)
	p := Policy{
		Enabled:             true,
		Limits:              ratewindow.ResolveLimits(base.Sensitivity, db.SettingsOverrideInherit, db.SettingsOverrideInherit, db.SettingsOverrideInherit, volume, repetition),
		Patterns:            patterns.CheckOptions{AllowedLanguages: base.PatternLanguages},
		EditThreshold:       base.EditSimilarityThreshold,
		EditAction:          verdict.ParseAction(base.EditAction, verdict.ActionDelete),
		LinkInjectionAction: verdict.ParseAction(base.LinkInjectionAction, verdict.ActionDelete),
		HashMaxDistance:     base.HashMaxDistance,
	}

	if settings != nil {
		p.Enabled = settings.Enabled
		sensitivity := base.Sensitivity
		if settings.Sensitivity != "" {
			sensitivity = settings.Sensitivity
		}
		if settings.VolumeActionOverride != "" {
			volume = verdict.ParseAction(settings.VolumeActionOverride, volume)
		}
		p.Limits = ratewindow.ResolveLimits(sensitivity, settings.Limit10sOverride, settings.Limit60sOverride, settings.LimitDupOverride, volume, repetition)
		if len(settings.PatternLanguages) > 0 {
			p.Patterns.AllowedLanguages = settings.PatternLanguages
		}
		p.Patterns.Overrides = settings.TemplateOverrides
		if settings.PatternActionOverride != "" {
			p.Patterns.ChatAction = verdict.ParseAction(settings.PatternActionOverride, verdict.ActionNone)
		}
		if settings.EditThresholdOverride != db.SettingsOverrideInherit {
			p.EditThreshold = settings.EditThresholdOverride
		}
		if settings.HashMaxDistanceOverride != db.SettingsOverrideInherit {
			p.HashMaxDistance = settings.HashMaxDistanceOverride
		}
	}

	if p.EditThreshold <= 0 || p.EditThreshold > 1 {
		p.EditThreshold = DefaultEditThreshold
	}
	if p.HashMaxDistance < 0 {
		p.HashMaxDistance = DefaultHashMaxDistance
	}
	return p
}

type PolicyProvider interface {
	Policy(ctx context.Context, chatID int64) Policy
}

type settingsReader interface {
	GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
}

// SettingsPolicies resolves policies from stored chat settings, caching them
// briefly. Lookup failures fall back to the configured defaults.
type SettingsPolicies struct {
	base  config.Detection
	store settingsReader
	cache *expirable.LRU[int64, Policy]
}

func NewSettingsPolicies(base config.Detection, store settingsReader, ttl time.Duration) *SettingsPolicies {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SettingsPolicies{
		base:  base,
		store: store,
		cache: expirable.NewLRU[int64, Policy](4096, nil, ttl),
	}
}

func (p *SettingsPolicies) Policy(ctx context.Context, chatID int64) Policy {
	if cached, ok := p.cache.Get(chatID); ok {
		return cached
	}
	settings, err := p.store.GetSettings(ctx, chatID)
	if err != nil {
		log.WithField("object", "SettingsPolicies").
			WithField("chat_id", chatID).
			WithField("error", err.Error()).
			Warn("failed to load chat settings, using defaults")
		return ResolvePolicy(p.base, nil)
	}
	policy := ResolvePolicy(p.base, settings)
	p.cache.Add(chatID, policy)
	return policy
}

// Forget drops a cached policy after its settings changed.
func (p *SettingsPolicies) Forget(chatID int64) {
	p.cache.Remove(chatID)
}
