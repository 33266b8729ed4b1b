package browser

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskbrowser/internal/identity"
)

func TestHumanoidPath_EndsAtTargetAndStaysNearSegment(t *testing.T) {
	h := NewHumanoid(42)
	from, to := Point{X: 10, Y: 10}, Point{X: 610, Y: 410}

	path := h.Path(from, to)
	require.GreaterOrEqual(t, len(path), minPathSteps)
	require.LessOrEqual(t, len(path), maxPathSteps)
	assert.Equal(t, to, path[len(path)-1])

	dist := math.Hypot(to.X-from.X, to.Y-from.Y)
	limit := math.Min(dist*0.25, maxCurveOffset) + 4*maxNoise
	for _, p := range path {
		// 点到起止连线的距离不超过控制点偏移加噪声
		d := math.Abs((to.Y-from.Y)*p.X-(to.X-from.X)*p.Y+to.X*from.Y-to.Y*from.X) / dist
		assert.LessOrEqual(t, d, limit)
	}
}

func TestHumanoidPath_SameSeedSamePath(t *testing.T) {
	a := NewHumanoid(7).Path(Point{}, Point{X: 300, Y: 120})
	b := NewHumanoid(7).Path(Point{}, Point{X: 300, Y: 120})
	c := NewHumanoid(8).Path(Point{}, Point{X: 300, Y: 120})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHumanoidPath_ShortDistance(t *testing.T) {
	path := NewHumanoid(1).Path(Point{X: 5, Y: 5}, Point{X: 5.5, Y: 5})
	assert.Equal(t, []Point{{X: 5.5, Y: 5}}, path)
}

func TestHumanoidTarget_InsideBox(t *testing.T) {
	h := NewHumanoid(3)
	box := Box{X: 100, Y: 200, Width: 80, Height: 30}
	for i := 0; i < 200; i++ {
		p := h.Target(box)
		assert.GreaterOrEqual(t, p.X, box.X+box.Width*0.2)
		assert.LessOrEqual(t, p.X, box.X+box.Width*0.8)
		assert.GreaterOrEqual(t, p.Y, box.Y+box.Height*0.2)
		assert.LessOrEqual(t, p.Y, box.Y+box.Height*0.8)
	}
}

type recordingMover struct {
	points []Point
	failAt int
}

func (m *recordingMover) MouseMove(_ context.Context, x, y float64) error {
	if m.failAt > 0 && len(m.points) == m.failAt {
		return errors.New("detached")
	}
	m.points = append(m.points, Point{X: x, Y: y})
	return nil
}

func TestHumanoidMoveTo(t *testing.T) {
	h := NewHumanoid(11)
	h.sleep = func(context.Context, time.Duration) error { return nil }

	m := &recordingMover{}
	require.NoError(t, h.MoveTo(context.Background(), m, Point{}, Point{X: 200, Y: 50}))
	require.NotEmpty(t, m.points)
	assert.Equal(t, Point{X: 200, Y: 50}, m.points[len(m.points)-1])

	m = &recordingMover{failAt: 3}
	assert.Error(t, h.MoveTo(context.Background(), m, Point{}, Point{X: 200, Y: 50}))
	assert.Len(t, m.points, 3)
}

func TestHumanoidMoveTo_Cancelled(t *testing.T) {
	h := NewHumanoid(11)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.MoveTo(ctx, &recordingMover{}, Point{}, Point{X: 400, Y: 400})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "", AcceptLanguage(nil))
	assert.Equal(t, "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7", AcceptLanguage([]string{"de-DE", "en-US"}))
	assert.Equal(t, "en-US,en;q=0.9,en-GB;q=0.8", AcceptLanguage([]string{"en-US", "en-GB"}))
}

func TestUserAgentMetadata(t *testing.T) {
	win := identity.Identity{
		Platform:   identity.PlatformWindows,
		DeviceType: identity.DeviceDesktop,
		UserAgent:  identity.FallbackUserAgent(identity.PlatformWindows),
	}
	md := UserAgentMetadata(win)
	require.NotNil(t, md)
	assert.Equal(t, "Windows", md.Platform)
	assert.False(t, md.Mobile)
	require.Len(t, md.Brands, 3)
	assert.Equal(t, "124", md.Brands[2].Version)

	android := identity.Identity{
		Platform:   identity.PlatformAndroid,
		DeviceType: identity.DeviceMobile,
		UserAgent:  identity.FallbackUserAgent(identity.PlatformAndroid),
	}
	md = UserAgentMetadata(android)
	require.NotNil(t, md)
	assert.True(t, md.Mobile)
	assert.Equal(t, "Pixel 8", md.Model)

	ios := identity.Identity{
		Platform:   identity.PlatformIOS,
		DeviceType: identity.DeviceMobile,
		UserAgent:  identity.FallbackUserAgent(identity.PlatformIOS),
	}
	assert.Nil(t, UserAgentMetadata(ios))
}

func TestViewport(t *testing.T) {
	w, h := Viewport(identity.Identity{DeviceType: identity.DeviceDesktop, Screen: identity.Screen{Width: 1920, Height: 1080}})
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080-browserChromeHeight, h)

	w, h = Viewport(identity.Identity{DeviceType: identity.DeviceMobile, Screen: identity.Screen{Width: 390, Height: 844}})
	assert.Equal(t, 390, w)
	assert.Equal(t, 844, h)
}
