package dispatch

import "time"

// Backoff 第 n 次重试（n 为失败前的 retry_count）的等待时长：
// min(base·2^n, cap) · jitter，jitter ∈ [0.5, 1.5)，r 为 [0,1) 随机数
func Backoff(n int, base, ceil time.Duration, r float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n && d < ceil; i++ {
		d *= 2
	}
	if ceil > 0 && d > ceil {
		d = ceil
	}
	if r < 0 {
		r = 0
	} else if r >= 1 {
		r = 0.999999
	}
	return time.Duration(float64(d) * (0.5 + r))
}
