package fingerprint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casetrack/internal/event"
)

func testEnv() event.Environment {
	return event.Environment{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/131.0",
		Language:       "en-GB",
		Platform:       "Linux x86_64",
		Timezone:       "Europe/London",
		TimezoneOffset: -60,
		Screen:         event.Size{Width: 1920, Height: 1080},
		ColorDepth:     24,
		CookiesEnabled: true,
		LocalStorage:   true,
		SessionStorage: true,
		Canvas:         "data:image/png;base64,iVBORw0KGgo",
	}
}

var failing = ProberFunc(func(context.Context, event.Environment) (Result, error) {
	return Result{}, fmt.Errorf("probe blocked by extension")
})

func TestFallbackHash_Deterministic(t *testing.T) {
	env := testEnv()
	a := FallbackHash(env)
	b := FallbackHash(env)

	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^[0-9a-f]+$`, a)
}

func TestFallbackHash_SensitiveToInputs(t *testing.T) {
	env := testEnv()
	other := testEnv()
	other.Screen.Width = 1280

	assert.NotEqual(t, FallbackHash(env), FallbackHash(other))
}

func TestFallbackHash_EmptyEnvironment(t *testing.T) {
	assert.NotEmpty(t, FallbackHash(event.Environment{}))
}

func TestHashProber_StableAcrossCalls(t *testing.T) {
	ctx := context.Background()
	a, err := HashProber{}.Probe(ctx, testEnv())
	require.NoError(t, err)
	b, err := HashProber{}.Probe(ctx, testEnv())
	require.NoError(t, err)

	assert.Equal(t, a.VisitorID, b.VisitorID)
	assert.Len(t, a.VisitorID, 32)
	assert.Equal(t, "probe", a.Source)
}

func TestComponents(t *testing.T) {
	c := Components(testEnv())

	assert.Equal(t, "1920x1080", c["screen"])
	assert.Equal(t, "Europe/London", c["timezone"])
	assert.Equal(t, "cookies=1,local=1,session=1,indexeddb=0", c["storage"])
	assert.Len(t, c["canvas"], canvasHashLen)
}

func TestResolver_ProbeSuccess(t *testing.T) {
	r := NewResolver(HashProber{}, testEnv(), time.Second, nil)
	res := r.Resolve(context.Background())

	assert.Equal(t, "probe", res.Source)
	assert.Equal(t, res.VisitorID, r.Current())
}

func TestResolver_ProbeFailureFallsBack(t *testing.T) {
	env := testEnv()
	r := NewResolver(failing, env, time.Second, nil)

	res := r.Resolve(context.Background())
	assert.Equal(t, "fallback", res.Source)
	assert.Equal(t, FallbackHash(env), res.VisitorID)
	assert.NotEmpty(t, res.Components)
}

func TestResolver_ProbePanicFallsBack(t *testing.T) {
	panicking := ProberFunc(func(context.Context, event.Environment) (Result, error) {
		panic("canvas unavailable")
	})
	r := NewResolver(panicking, testEnv(), time.Second, nil)

	assert.Equal(t, FallbackHash(testEnv()), r.Resolve(context.Background()).VisitorID)
}

func TestResolver_ProbeTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := ProberFunc(func(ctx context.Context, _ event.Environment) (Result, error) {
		<-release
		return Result{VisitorID: "too-late"}, nil
	})
	r := NewResolver(slow, testEnv(), 20*time.Millisecond, nil)

	res := r.Resolve(context.Background())
	assert.Equal(t, "fallback", res.Source)
}

func TestResolver_EmptyVisitorIDFallsBack(t *testing.T) {
	empty := ProberFunc(func(context.Context, event.Environment) (Result, error) {
		return Result{}, nil
	})
	r := NewResolver(empty, testEnv(), time.Second, nil)

	assert.Equal(t, "fallback", r.Resolve(context.Background()).Source)
}

func TestResolver_CurrentEmptyUntilResolved(t *testing.T) {
	release := make(chan struct{})
	gated := ProberFunc(func(context.Context, event.Environment) (Result, error) {
		<-release
		return Result{VisitorID: "abc123"}, nil
	})
	r := NewResolver(gated, testEnv(), 0, nil)

	resolved := make(chan Result, 1)
	r.Start(context.Background(), func(res Result) { resolved <- res })

	assert.Equal(t, "", r.Current())
	select {
	case <-r.Done():
		t.Fatal("done closed before the prober returned")
	default:
	}
	close(release)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not finish")
	}
	assert.Equal(t, "abc123", r.Current())
	assert.Equal(t, "abc123", (<-resolved).VisitorID)
}
