package fingerprint

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
)

// canvasHashLen is the number of hex characters of the canvas hash kept in
// the diagnostic components.
const canvasHashLen = 16

// Result is a resolved fingerprint.
type Result struct {
	VisitorID string `json:"visitorId"`
	// Components are non-identifying diagnostics included in session metadata.
	Components map[string]string `json:"components,omitempty"`
	// Source is "probe" or "fallback".
	Source string `json:"source"`
}

// Prober is the device probing library.
type Prober interface {
	Probe(ctx context.Context, env event.Environment) (Result, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, env event.Environment) (Result, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, env event.Environment) (Result, error) {
	return f(ctx, env)
}

// HashProber derives a visitor id by hashing the environment's components
// with BLAKE2b.
type HashProber struct{}

// Probe implements Prober.
func (HashProber) Probe(ctx context.Context, env event.Environment) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, errors.NewProbeFailed(err.Error())
	}
	if env.UserAgent == "" && env.Screen.Width == 0 && env.Canvas == "" {
		return Result{}, errors.NewProbeFailed("environment has no probeable signals")
	}

	components := Components(env)

	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, err := blake2b.New256(nil)
	if err != nil {
		return Result{}, errors.NewProbeFailed(err.Error())
	}
	fmt.Fprintf(h, "ua=%s\x00lang=%s\x00platform=%s\x00depth=%d\x00", env.UserAgent, env.Language, env.Platform, env.ColorDepth)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, components[k])
	}
	sum := h.Sum(nil)

	return Result{
		VisitorID:  hex.EncodeToString(sum[:16]),
		Components: components,
		Source:     "probe",
	}, nil
}

// Components returns the diagnostic components for env: screen resolution,
// time zone, storage capability flags and a truncated canvas hash.
func Components(env event.Environment) map[string]string {
	canvas := "none"
	if env.Canvas != "" {
		sum := blake2b.Sum256([]byte(env.Canvas))
		canvas = hex.EncodeToString(sum[:])[:canvasHashLen]
	}
	return map[string]string{
		"screen":   fmt.Sprintf("%dx%d", env.Screen.Width, env.Screen.Height),
		"timezone": env.Timezone,
		"storage": strings.Join([]string{
			"cookies=" + flag(env.CookiesEnabled),
			"local=" + flag(env.LocalStorage),
			"session=" + flag(env.SessionStorage),
			"indexeddb=" + flag(env.IndexedDB),
		}, ","),
		"canvas": canvas,
	}
}

// FallbackHash is the deterministic fingerprint used when probing fails:
// a 31-based polynomial hash over readily available environment strings,
// wrapped to 32 bits, absolute value, lowercase hex.
func FallbackHash(env event.Environment) string {
	input := strings.Join([]string{
		env.UserAgent,
		env.Language,
		env.Platform,
		strconv.Itoa(env.TimezoneOffset),
		fmt.Sprintf("%dx%d", env.Screen.Width, env.Screen.Height),
		strconv.Itoa(env.ColorDepth),
	}, "|")

	var h int32
	for _, r := range input {
		h = h*31 + int32(r)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return strconv.FormatInt(abs, 16)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
