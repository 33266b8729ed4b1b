package browser

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
)

const (
	minPathSteps    = 12
	maxPathSteps    = 80
	pixelsPerStep   = 8.0
	maxCurveOffset  = 120.0
	maxNoise        = 2.5
	noiseFrequency  = 3.0
	minMoveInterval = 4 * time.Millisecond
	maxMoveInterval = 10 * time.Millisecond
)

// Mover 是沿轨迹移动指针所需的能力。
type Mover interface {
	MouseMove(ctx context.Context, x, y float64) error
}

// Humanoid 生成类人的指针轨迹: 随机控制点的三次贝塞尔曲线, 叠加 Perlin 噪声抖动。
type Humanoid struct {
	mu     sync.Mutex
	rng    *rand.Rand
	noiseX *perlin.Perlin
	noiseY *perlin.Perlin
	phase  float64
	sleep  func(context.Context, time.Duration) error
}

// NewHumanoid 使用给定种子创建 Humanoid, 相同种子产生相同轨迹。
func NewHumanoid(seed int64) *Humanoid {
	// 常规 Perlin 参数
	alpha, beta, n := 2.0, 2.0, int32(3)
	return &Humanoid{
		rng:    rand.New(rand.NewSource(seed)),
		noiseX: perlin.NewPerlin(alpha, beta, n, seed),
		noiseY: perlin.NewPerlin(alpha, beta, n, seed+1),
		sleep:  sleepCtx,
	}
}

// Path 返回从 from 到 to 的轨迹, 不含起点, 最后一个点恰好是 to。
func (h *Humanoid) Path(from, to Point) []Point {
	h.mu.Lock()
	defer h.mu.Unlock()

	dx, dy := to.X-from.X, to.Y-from.Y
	dist := math.Hypot(dx, dy)
	if dist < 1 {
		return []Point{to}
	}

	steps := int(dist / pixelsPerStep)
	if steps < minPathSteps {
		steps = minPathSteps
	}
	if steps > maxPathSteps {
		steps = maxPathSteps
	}

	// 单位法向量, 控制点沿它偏移让曲线弯曲
	nx, ny := -dy/dist, dx/dist
	spread := math.Min(dist*0.25, maxCurveOffset)
	o1 := (h.rng.Float64()*2 - 1) * spread
	o2 := (h.rng.Float64()*2 - 1) * spread
	c1 := Point{X: from.X + dx*0.3 + nx*o1, Y: from.Y + dy*0.3 + ny*o1}
	c2 := Point{X: from.X + dx*0.7 + nx*o2, Y: from.Y + dy*0.7 + ny*o2}

	amp := math.Min(maxNoise, dist*0.01)
	phase := h.phase
	h.phase += float64(steps) / noiseFrequency

	out := make([]Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := bezier(from, c1, c2, to, easeInOut(t))
		// 两端的抖动为 0
		envelope := math.Sin(math.Pi * t)
		p.X += h.noiseX.Noise1D(phase+t*noiseFrequency) * amp * envelope
		p.Y += h.noiseY.Noise1D(phase+t*noiseFrequency) * amp * envelope
		out = append(out, p)
	}
	out[len(out)-1] = to
	return out
}

// Target 返回 box 内一个偏离中心的随机点, 不会落在边缘 20% 以内。
func (h *Humanoid) Target(box Box) Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := box.Center()
	c.X += (h.rng.Float64()*2 - 1) * box.Width * 0.3
	c.Y += (h.rng.Float64()*2 - 1) * box.Height * 0.3
	return c
}

// Delay 返回 [lo, hi) 内的随机时长。
func (h *Humanoid) Delay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo + time.Duration(h.rng.Int63n(int64(hi-lo)))
}

// MoveTo 沿轨迹把指针从 from 移动到 to。
func (h *Humanoid) MoveTo(ctx context.Context, m Mover, from, to Point) error {
	for _, p := range h.Path(from, to) {
		if err := m.MouseMove(ctx, p.X, p.Y); err != nil {
			return err
		}
		if err := h.sleep(ctx, h.Delay(minMoveInterval, maxMoveInterval)); err != nil {
			return err
		}
	}
	return nil
}

func bezier(p0, p1, p2, p3 Point, t float64) Point {
	u := 1 - t
	a, b, c, d := u*u*u, 3*u*u*t, 3*u*t*t, t*t*t
	return Point{
		X: a*p0.X + b*p1.X + c*p2.X + d*p3.X,
		Y: a*p0.Y + b*p1.Y + c*p2.Y + d*p3.Y,
	}
}

func easeInOut(t float64) float64 {
	return t * t * (3 - 2*t)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
