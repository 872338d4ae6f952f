package core

import "math"

// Blocked kernels walk eight lanes per iteration into separate accumulators
// and finish the tail one element at a time. They accept any length.

const blockWidth = 8

// DotProductBlocked is DotProduct over eight-lane blocks
func DotProductBlocked(a, b []float32) float32 {
	b = b[:len(a)]
	var s [blockWidth]float32
	i := 0
	for ; i+blockWidth <= len(a); i += blockWidth {
		av := (*[blockWidth]float32)(a[i : i+blockWidth])
		bv := (*[blockWidth]float32)(b[i : i+blockWidth])
		s[0] += av[0] * bv[0]
		s[1] += av[1] * bv[1]
		s[2] += av[2] * bv[2]
		s[3] += av[3] * bv[3]
		s[4] += av[4] * bv[4]
		s[5] += av[5] * bv[5]
		s[6] += av[6] * bv[6]
		s[7] += av[7] * bv[7]
	}
	sum := (s[0] + s[4]) + (s[1] + s[5]) + (s[2] + s[6]) + (s[3] + s[7])
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2Blocked is SquaredL2 over eight-lane blocks
func SquaredL2Blocked(a, b []float32) float32 {
	b = b[:len(a)]
	var s [blockWidth]float32
	i := 0
	for ; i+blockWidth <= len(a); i += blockWidth {
		av := (*[blockWidth]float32)(a[i : i+blockWidth])
		bv := (*[blockWidth]float32)(b[i : i+blockWidth])
		for j := range av {
			d := av[j] - bv[j]
			s[j] += d * d
		}
	}
	sum := (s[0] + s[4]) + (s[1] + s[5]) + (s[2] + s[6]) + (s[3] + s[7])
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistanceBlocked is CosineDistance over eight-lane blocks
func CosineDistanceBlocked(a, b []float32) float32 {
	b = b[:len(a)]
	var dot, na, nb [blockWidth]float32
	i := 0
	for ; i+blockWidth <= len(a); i += blockWidth {
		av := (*[blockWidth]float32)(a[i : i+blockWidth])
		bv := (*[blockWidth]float32)(b[i : i+blockWidth])
		for j := range av {
			dot[j] += av[j] * bv[j]
			na[j] += av[j] * av[j]
			nb[j] += bv[j] * bv[j]
		}
	}
	var d, x, y float32
	for j := 0; j < blockWidth; j++ {
		d += dot[j]
		x += na[j]
		y += nb[j]
	}
	for ; i < len(a); i++ {
		d += a[i] * b[i]
		x += a[i] * a[i]
		y += b[i] * b[i]
	}
	if x == 0 || y == 0 {
		return 1
	}
	return 1 - d/(float32(math.Sqrt(float64(x)))*float32(math.Sqrt(float64(y))))
}

func innerProductDistanceBlocked(a, b []float32) float32 {
	return 1 - DotProductBlocked(a, b)
}
