package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GenerationRules tune manuscript post-processing and validation.
type GenerationRules struct {
	MinChars            int  `mapstructure:"minChars"`
	MaxChars            int  `mapstructure:"maxChars"`
	MaxHashtags         int  `mapstructure:"maxHashtags"`
	EmojiGuardEnabled   bool `mapstructure:"emojiGuardEnabled"`
	MaxEmojis           int  `mapstructure:"maxEmojis"`
	MaxTrailingEmojis   int  `mapstructure:"maxTrailingEmojis"`
	RegenerateOnInvalid bool `mapstructure:"regenerateOnInvalid"`
}

func DefaultGenerationRules() GenerationRules {
	return GenerationRules{
		MinChars:          100,
		MaxChars:          299,
		MaxHashtags:       5,
		EmojiGuardEnabled: true,
		MaxEmojis:         2,
		MaxTrailingEmojis: 1,
	}
}

type GenerationRulesHolder struct {
	current atomic.Value // holds GenerationRules
}

// NewStaticRulesHolder returns a holder that never reloads.
func NewStaticRulesHolder(rules GenerationRules) *GenerationRulesHolder {
	holder := &GenerationRulesHolder{}
	holder.current.Store(rules)
	return holder
}

func NewGenerationRulesHolder(log *zap.Logger) (*GenerationRulesHolder, error) {
	log = log.Named("config.rules")
	v := viper.New()

	v.SetConfigName("generation")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/manuscript")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MANUSCRIPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGenerationRules()
	v.SetDefault("generation.minChars", defaults.MinChars)
	v.SetDefault("generation.maxChars", defaults.MaxChars)
	v.SetDefault("generation.maxHashtags", defaults.MaxHashtags)
	v.SetDefault("generation.emojiGuardEnabled", defaults.EmojiGuardEnabled)
	v.SetDefault("generation.maxEmojis", defaults.MaxEmojis)
	v.SetDefault("generation.maxTrailingEmojis", defaults.MaxTrailingEmojis)
	v.SetDefault("generation.regenerateOnInvalid", defaults.RegenerateOnInvalid)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var rules GenerationRules
	if err := v.UnmarshalKey("generation", &rules); err != nil {
		return nil, err
	}
	if err := ValidateGenerationRules(rules); err != nil {
		return nil, err
	}

	holder := NewStaticRulesHolder(rules)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated GenerationRules
		if err := v.UnmarshalKey("generation", &updated); err != nil {
			log.Warn("generation rules reload failed", zap.Error(err))
			return
		}
		if err := ValidateGenerationRules(updated); err != nil {
			log.Warn("invalid generation rules ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("generation rules reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *GenerationRulesHolder) Get() GenerationRules {
	if h == nil {
		return DefaultGenerationRules()
	}
	return h.current.Load().(GenerationRules)
}

func ValidateGenerationRules(rules GenerationRules) error {
	if rules.MinChars < 0 {
		return errors.New("generation.minChars cannot be negative")
	}
	if rules.MaxChars <= 0 || rules.MaxChars >= 300 {
		return errors.New("generation.maxChars must be between 1 and 299")
	}
	if rules.MinChars > rules.MaxChars {
		return errors.New("generation.minChars cannot exceed generation.maxChars")
	}
	if rules.MaxHashtags < 0 {
		return errors.New("generation.maxHashtags cannot be negative")
	}
	if rules.MaxEmojis < 1 || rules.MaxTrailingEmojis < 0 {
		return errors.New("generation emoji limits are invalid")
	}
	return nil
}
