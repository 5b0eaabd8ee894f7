// Package routing selects the model tier for each oracle call based on
// task signals, budget pressure, and quiet hours.
package routing

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ThinkingLevel requests extended reasoning from the thinking tier.
type ThinkingLevel int

const (
	ThinkingOff ThinkingLevel = iota
	ThinkingLow
	ThinkingMedium
	ThinkingHigh
)

// Budget returns the thinking-token budget for a level.
func (l ThinkingLevel) Budget() int {
	switch l {
	case ThinkingLow:
		return 2048
	case ThinkingMedium:
		return 8192
	case ThinkingHigh:
		return 32768
	default:
		return 0
	}
}

// TaskSignals carries the per-call facts the selector routes on.
type TaskSignals struct {
	// Iteration is the current tool-loop round, starting at 0.
	Iteration int

	// ToolResultChars is the cumulative size of tool results so far.
	ToolResultChars int

	NeedsSynthesis  bool
	NeedsEscalation bool

	Channel string
	Mode    string
	Query   string

	ThinkingLevel ThinkingLevel
}

// Selection is the routing decision for one call.
type Selection struct {
	Model string
	// ThinkingBudget is non-zero only when the thinking tier was chosen.
	ThinkingBudget int
	// Tier names the rung taken, for logs.
	Tier string
}

const (
	defaultToolCharsThreshold = 20000
	heavyQueryLength          = 150
)

var (
	defaultHeavyKeywords = []string{"analyze", "architect", "refactor", "design", "prove", "tradeoff", "debug"}
	defaultLightKeywords = []string{"what is", "define", "quick", "brief", "remind", "thanks"}
	defaultHeavyModes    = []string{"work", "research", "plan"}
	defaultLightModes    = []string{"chat", "quick"}
)

// Selector routes calls to the light, heavy, or thinking model per the
// tier ladder. Safe for concurrent use.
type Selector struct {
	mu sync.Mutex

	settings     Settings
	settingsPath string

	// pressure reports the global budget pressure in [0,1].
	pressure func() float64

	quietStart int // hour, inclusive
	quietEnd   int // hour, exclusive

	modeOverrides map[string]string
	heavyModes    map[string]struct{}
	lightModes    map[string]struct{}
	heavyKeywords []string
	lightKeywords []string

	toolCharsThreshold int
	now                func() time.Time
	logger             *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithPressure supplies the budget-pressure source.
func WithPressure(fn func() float64) Option {
	return func(s *Selector) {
		if fn != nil {
			s.pressure = fn
		}
	}
}

// WithQuietHours sets the local-time window [start, end) during which the
// cheapest model is always used. Equal values disable the window.
func WithQuietHours(start, end int) Option {
	return func(s *Selector) {
		s.quietStart = start
		s.quietEnd = end
	}
}

// WithModeOverride pins a mode to an explicit model.
func WithModeOverride(mode, model string) Option {
	return func(s *Selector) {
		s.modeOverrides[strings.ToLower(mode)] = model
	}
}

// WithSettingsPath enables persistence of the tier settings file.
func WithSettingsPath(path string) Option {
	return func(s *Selector) {
		s.settingsPath = path
	}
}

// WithToolCharsThreshold overrides the heavy-escalation threshold on
// cumulative tool-result size.
func WithToolCharsThreshold(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.toolCharsThreshold = n
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the selector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger.With("component", "routing")
		}
	}
}

// NewSelector creates a selector over the given tier settings.
func NewSelector(settings Settings, opts ...Option) *Selector {
	s := &Selector{
		settings:           settings,
		pressure:           func() float64 { return 0 },
		modeOverrides:      make(map[string]string),
		heavyModes:         toSet(defaultHeavyModes),
		lightModes:         toSet(defaultLightModes),
		heavyKeywords:      defaultHeavyKeywords,
		lightKeywords:      defaultLightKeywords,
		toolCharsThreshold: defaultToolCharsThreshold,
		now:                time.Now,
		logger:             slog.Default().With("component", "routing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settingsPath != "" {
		if loaded, err := loadSettings(s.settingsPath); err == nil {
			s.settings = loaded
		}
	}
	return s
}

// Select walks the tier ladder top to bottom and returns the first match.
func (s *Selector) Select(signals TaskSignals) Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	light := s.settings.Light
	heavy := s.settings.Heavy
	thinking := s.settings.Thinking
	pressure := s.pressure()
	mode := strings.ToLower(strings.TrimSpace(signals.Mode))

	if s.inQuietHours() {
		return Selection{Model: light, Tier: "quiet_hours"}
	}
	if pressure >= 0.95 {
		return Selection{Model: light, Tier: "budget_critical"}
	}
	if pressure >= 0.80 {
		// Thinking requests are downgraded under high pressure.
		return Selection{Model: light, Tier: "budget_high"}
	}
	if model, ok := s.modeOverrides[mode]; ok {
		return Selection{Model: model, Tier: "mode_override"}
	}
	if signals.ThinkingLevel > ThinkingOff || mode == "think" {
		budget := signals.ThinkingLevel.Budget()
		if budget == 0 {
			budget = ThinkingMedium.Budget()
		}
		if pressure >= 0.50 {
			budget = ThinkingLow.Budget()
		}
		return Selection{Model: thinking, ThinkingBudget: budget, Tier: "thinking"}
	}
	switch signals.Channel {
	case "boot", "heartbeat":
		return Selection{Model: light, Tier: "background_channel"}
	}
	if signals.ToolResultChars > s.toolCharsThreshold || signals.NeedsSynthesis || signals.NeedsEscalation {
		return Selection{Model: heavy, Tier: "synthesis"}
	}
	if _, ok := s.heavyModes[mode]; ok {
		return Selection{Model: heavy, Tier: "heavy_mode"}
	}
	if _, ok := s.lightModes[mode]; ok {
		return Selection{Model: light, Tier: "light_mode"}
	}
	query := strings.ToLower(signals.Query)
	if len(signals.Query) > heavyQueryLength || containsAny(query, s.heavyKeywords) {
		return Selection{Model: heavy, Tier: "complex_query"}
	}
	if containsAny(query, s.lightKeywords) {
		return Selection{Model: light, Tier: "light_query"}
	}
	return Selection{Model: light, Tier: "default"}
}

// Settings returns a copy of the current tier settings.
func (s *Selector) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings swaps the tier settings and persists them when a settings
// path is configured.
func (s *Selector) UpdateSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	if s.settingsPath == "" {
		return nil
	}
	return saveSettings(s.settingsPath, settings)
}

func (s *Selector) inQuietHours() bool {
	if s.quietStart == s.quietEnd {
		return false
	}
	hour := s.now().Hour()
	if s.quietStart < s.quietEnd {
		return hour >= s.quietStart && hour < s.quietEnd
	}
	// Window wraps midnight.
	return hour >= s.quietStart || hour < s.quietEnd
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
