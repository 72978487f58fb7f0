package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of surrounding whitespace
// and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LDM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

var (
	// Seed seeds noise, timestep and regularization-mode draws. 0 seeds from the clock.
	Seed = Uint64("LDM_SEED", 0)
	// ConfigPath is the model config read by config.FromEnv.
	ConfigPath = String("LDM_CONFIG")
	// Deterministic disables noise-image replacement and other stochastic training shortcuts.
	Deterministic = Bool("LDM_DETERMINISTIC")
)

// NumThreads bounds parallel decoding and per-sample attention. It defaults
// to the number of CPUs.
func NumThreads() int {
	if n := Uint("LDM_NUM_THREADS", 0)(); n > 0 {
		return int(n)
	}
	return runtime.GOMAXPROCS(0)
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LDM_DEBUG":         {"LDM_DEBUG", LogLevel(), "Show additional debug information (e.g. LDM_DEBUG=1)"},
		"LDM_SEED":          {"LDM_SEED", Seed(), "Random seed for noise and mode selection (0 uses the clock)"},
		"LDM_CONFIG":        {"LDM_CONFIG", ConfigPath(), "Path to the YAML model config"},
		"LDM_NUM_THREADS":   {"LDM_NUM_THREADS", NumThreads(), "Parallelism for checkpoint decoding and the basis generator"},
		"LDM_DETERMINISTIC": {"LDM_DETERMINISTIC", Deterministic(), "Disable random noise-image replacement in prompt-mix steps"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
