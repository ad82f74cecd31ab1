package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Kind selects default settings for a class of dependency
type Kind string

const (
	KindDatabase Kind = "db"
	KindRedis    Kind = "redis"
	KindHTTP     Kind = "http"
)

var kindDefaults = map[Kind]Settings{
	KindDatabase: {FailureThreshold: 5, OpenFor: 30 * time.Second, Probes: 3, CloseAfter: 2, ResetEvery: time.Minute},
	KindRedis:    {FailureThreshold: 3, OpenFor: 15 * time.Second, Probes: 5, CloseAfter: 2, ResetEvery: 30 * time.Second},
	KindHTTP:     {FailureThreshold: 5, OpenFor: 15 * time.Second, Probes: 5, CloseAfter: 2, ResetEvery: 30 * time.Second},
}

// SettingsFor resolves the settings for a breaker guarding service. The kind
// defaults are overridden by CB_<KIND>_* variables, which are in turn
// overridden by CB_<SERVICE>_* variables (CB_CRM_TIMEOUT, CB_STATE_STORE_...).
//
// Recognised suffixes: FAILURE_THRESHOLD, TIMEOUT (open duration),
// MAX_REQUESTS (half-open probes), SUCCESS_THRESHOLD and INTERVAL (closed
// streak reset). Unparseable values are ignored.
func SettingsFor(kind Kind, service string) Settings {
	s, ok := kindDefaults[kind]
	if !ok {
		s = kindDefaults[KindHTTP]
	}
	s = s.fromEnv(envPrefix(string(kind)))
	if service != "" {
		s = s.fromEnv(envPrefix(service))
	}
	return s.normalized()
}

func (s Settings) fromEnv(prefix string) Settings {
	s.FailureThreshold = envInt(prefix+"FAILURE_THRESHOLD", s.FailureThreshold)
	s.OpenFor = envDuration(prefix+"TIMEOUT", s.OpenFor)
	s.Probes = envInt(prefix+"MAX_REQUESTS", s.Probes)
	s.CloseAfter = envInt(prefix+"SUCCESS_THRESHOLD", s.CloseAfter)
	s.ResetEvery = envDuration(prefix+"INTERVAL", s.ResetEvery)
	return s
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 1
	}
	if s.Probes < 1 {
		s.Probes = 1
	}
	if s.CloseAfter < 1 {
		s.CloseAfter = 1
	}
	if s.OpenFor <= 0 {
		s.OpenFor = time.Second
	}
	if s.ResetEvery < 0 {
		s.ResetEvery = 0
	}
	return s
}

var envKeyReplacer = strings.NewReplacer("-", "_", ".", "_", " ", "_")

func envPrefix(name string) string {
	return "CB_" + envKeyReplacer.Replace(strings.ToUpper(name)) + "_"
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
