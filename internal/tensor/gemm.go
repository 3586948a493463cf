package tensor

// Tile sizes are variables to allow test-time sweeps without recompilation.
const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 64
	maxTileN = 64
	maxTileK = 64
)

var (
	tileM = defaultTileM
	tileN = defaultTileN
	tileK = defaultTileK
)

func selectTiles(k int) (int, int, int) {
	if tileM != defaultTileM || tileN != defaultTileN || tileK != defaultTileK {
		return clampTile(tileM, maxTileM), clampTile(tileN, maxTileN), clampTile(tileK, maxTileK)
	}
	tk := defaultTileK
	switch {
	case k >= 192:
		tk = 32
	case k >= 96:
		tk = 24
	}
	return defaultTileM, defaultTileN, tk
}

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

// MatMul computes dst = a · b where a is [M x K], b is [K x N] and dst is
// [M x N]. The product is blocked into tiles; row tiles run in parallel.
func MatMul(dst, a, b *Tensor) {
	m, k := a.Dims2()
	kb, n := b.Dims2()
	if k != kb {
		panic("tensor: MatMul inner dimension mismatch")
	}
	if dm, dn := dst.Dims2(); dm != m || dn != n {
		panic("tensor: MatMul output shape mismatch")
	}
	if m == 0 || n == 0 {
		return
	}
	tm, tn, tk := selectTiles(k)
	clear(dst.Data)
	ParallelFor((m+tm-1)/tm, func(t int) {
		i0 := t * tm
		iMax := min(i0+tm, m)
		for k0 := 0; k0 < k; k0 += tk {
			kMax := min(k0+tk, k)
			for j0 := 0; j0 < n; j0 += tn {
				blockUpdate(dst.Data, a.Data, b.Data, n, k, n, i0, iMax, j0, min(j0+tn, n), k0, kMax)
			}
		}
	})
}

// blockUpdate accumulates the a[i0:iMax, k0:kMax] · b[k0:kMax, j0:jMax]
// tile into c.
func blockUpdate(cData, aData, bData []float32, cStride, aStride, bStride int, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk]
			if aik == 0 {
				continue
			}
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+7 < width; j += 8 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
				cRow[j+4] += aik * bRow[j+4]
				cRow[j+5] += aik * bRow[j+5]
				cRow[j+6] += aik * bRow[j+6]
				cRow[j+7] += aik * bRow[j+7]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}
