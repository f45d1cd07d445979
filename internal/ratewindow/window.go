// Package ratewindow tracks per user and chat message volume over two
// trailing windows plus a duplicate-content streak.
package ratewindow

import (
	"fmt"
	"strings"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const (
	ShortWindow = 10 * time.Second
	LongWindow  = 60 * time.Second
)

const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

type ActivityWindow struct {
	Count10s    int       `json:"c10"`
	Count60s    int       `json:"c60"`
	DupStreak   int       `json:"dup"`
	LastContent string    `json:"last"`
	LastAt      time.Time `json:"at"`
}

type Limits struct {
	Limit10s         int
	Limit60s         int
	LimitDup         int
	VolumeAction     verdict.Action
	RepetitionAction verdict.Action
}

var presets = map[string]Limits{
	SensitivityLow:    {Limit10s: 8, Limit60s: 15, LimitDup: 5},
	SensitivityMedium: {Limit10s: 5, Limit60s: 10, LimitDup: 3},
	SensitivityHigh:   {Limit10s: 3, Limit60s: 5, LimitDup: 2},
}

// Preset returns the thresholds for a sensitivity level; unknown levels map to
// medium.
func Preset(sensitivity string) Limits {
	if l, ok := presets[strings.ToLower(strings.TrimSpace(sensitivity))]; ok {
		return l
	}
	return presets[SensitivityMedium]
}

// ResolveLimits layers per-chat numeric overrides over the sensitivity preset.
// Overrides equal to db.SettingsOverrideInherit or below 1 are ignored.
func ResolveLimits(sensitivity string, limit10s, limit60s, limitDup int, volume, repetition verdict.Action) Limits {
	l := Preset(sensitivity)
	if limit10s != db.SettingsOverrideInherit && limit10s > 0 {
		l.Limit10s = limit10s
	}
	if limit60s != db.SettingsOverrideInherit && limit60s > 0 {
		l.Limit60s = limit60s
	}
	if limitDup != db.SettingsOverrideInherit && limitDup > 0 {
		l.LimitDup = limitDup
	}
	l.VolumeAction = volume
	l.RepetitionAction = repetition
	return l
}

// Record folds one message into the window. Counters reset once their window
// has elapsed since the previous message. The duplicate streak ignores the
// gap: a repeat of the previous content extends it, anything else zeroes it.
func Record(w ActivityWindow, content string, now time.Time) ActivityWindow {
	if w.LastAt.IsZero() {
		w = ActivityWindow{}
	} else {
		elapsed := now.Sub(w.LastAt)
		if elapsed > LongWindow {
			w.Count60s = 0
		}
		if elapsed > ShortWindow {
			w.Count10s = 0
		}
	}
	w.Count10s++
	w.Count60s++

	if !w.LastAt.IsZero() && content != "" && content == w.LastContent {
		w.DupStreak++
	} else {
		w.DupStreak = 0
	}
	w.LastContent = content
	if now.After(w.LastAt) {
		w.LastAt = now
	}
	return w
}

// Evaluate checks burst, flood and repetition in that order and returns the
// first exceeded rule, or nil.
func Evaluate(w ActivityWindow, limits Limits) *verdict.Verdict {
	volume := limits.VolumeAction
	if volume == verdict.ActionNone {
		volume = verdict.ActionDelete
	}
	repetition := limits.RepetitionAction
	if repetition == verdict.ActionNone {
		repetition = verdict.ActionDelete
	}

	switch {
	case limits.Limit10s > 0 && w.Count10s > limits.Limit10s:
		return verdict.New(verdict.DetectorRate, verdict.TriggerBurst, volume,
			fmt.Sprintf("Burst (%d/%d)", w.Count10s, limits.Limit10s))
	case limits.Limit60s > 0 && w.Count60s > limits.Limit60s:
		return verdict.New(verdict.DetectorRate, verdict.TriggerFlood, volume,
			fmt.Sprintf("Flood (%d/%d)", w.Count60s, limits.Limit60s))
	case limits.LimitDup > 0 && w.DupStreak >= limits.LimitDup:
		return verdict.New(verdict.DetectorRate, verdict.TriggerRepetition, repetition,
			fmt.Sprintf("Repetition (%d/%d)", w.DupStreak, limits.LimitDup))
	}
	return nil
}
