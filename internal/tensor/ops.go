package tensor

import (
	"math"
	"runtime"
	"sort"
	"sync"
)

// ParallelFor runs fn(i) for i in [0, n) across up to GOMAXPROCS workers.
// Small loops run inline.
func ParallelFor(n int, fn func(i int)) {
	workers := min(runtime.GOMAXPROCS(0), n)
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		next int
	)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MatMulT computes dst = a · bᵀ where a is [M x K], b is [N x K] and dst is
// [M x N]. Rows of dst are computed in parallel.
func MatMulT(dst, a, b *Tensor) {
	m, k := a.Dims2()
	n, kb := b.Dims2()
	if k != kb {
		panic("tensor: MatMulT inner dimension mismatch")
	}
	if dm, dn := dst.Dims2(); dm != m || dn != n {
		panic("tensor: MatMulT output shape mismatch")
	}
	ParallelFor(m, func(i int) {
		row := a.Data[i*k : (i+1)*k]
		out := dst.Data[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			out[j] = Dot(row, b.Data[j*k:(j+1)*k])
		}
	})
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax writes log(softmax(x)) into dst using float64 accumulation.
func LogSoftmax(dst []float64, x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := float64(x[0])
	for _, v := range x[1:] {
		maxv = math.Max(maxv, float64(v))
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - maxv)
	}
	lse := maxv + math.Log(sum)
	for i, v := range x {
		dst[i] = float64(v) - lse
	}
}

// KLDivRows returns the mean over rows of KL(softmax(p) ‖ softmax(q)) for two
// [rows x classes] logit tensors.
func KLDivRows(p, q *Tensor) float64 {
	rows, cols := p.Dims2()
	if qr, qc := q.Dims2(); qr != rows || qc != cols {
		panic("tensor: KLDivRows shape mismatch")
	}
	if rows == 0 {
		return 0
	}
	lp := make([]float64, cols)
	lq := make([]float64, cols)
	var total float64
	for r := 0; r < rows; r++ {
		LogSoftmax(lp, p.Data[r*cols:(r+1)*cols])
		LogSoftmax(lq, q.Data[r*cols:(r+1)*cols])
		var kl float64
		for j := range cols {
			kl += math.Exp(lp[j]) * (lp[j] - lq[j])
		}
		total += kl
	}
	return total / float64(rows)
}

// TopK returns the indices of the k largest values in x, largest first.
// Ties keep the lower index first.
func TopK(x []float32, k int) []int {
	k = min(k, len(x))
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] > x[idx[b]] })
	return idx[:k]
}

// Argmax returns the index of the largest value in x.
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
