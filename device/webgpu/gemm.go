package webgpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
)

const gemmShader = `
struct Params {
	m: u32,
	n: u32,
	k: u32,
	lda: u32,
	ldb: u32,
	ldc: u32,
	trans_a: u32,
	trans_b: u32,
	alpha: f32,
	beta: f32,
	_pad0: u32,
	_pad1: u32,
}

@group(0) @binding(0) var<storage, read> a : array<f32>;
@group(0) @binding(1) var<storage, read> b : array<f32>;
@group(0) @binding(2) var<storage, read_write> c : array<f32>;
@group(0) @binding(3) var<uniform> p : Params;

@compute @workgroup_size(%d, %d, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let col = gid.x;
	let row = gid.y;
	if (row >= p.m || col >= p.n) {
		return;
	}

	var sum: f32 = 0.0;
	for (var i: u32 = 0u; i < p.k; i++) {
		var av: f32;
		if (p.trans_a == 0u) {
			av = a[row * p.lda + i];
		} else {
			av = a[i * p.lda + row];
		}
		var bv: f32;
		if (p.trans_b == 0u) {
			bv = b[i * p.ldb + col];
		} else {
			bv = b[col * p.ldb + i];
		}
		sum += av * bv;
	}

	let idx = row * p.ldc + col;
	if (p.beta == 0.0) {
		c[idx] = p.alpha * sum;
	} else {
		c[idx] = p.alpha * sum + p.beta * c[idx];
	}
}
`

func shaderSource(workgroup int) string {
	return fmt.Sprintf(gemmShader, workgroup, workgroup)
}

// gemmParams packs the uniform block. alpha and beta travel as raw bits so the
// whole block is a single []uint32.
func gemmParams(tA, tB blas.Transpose, m, n, k, lda, ldb, ldc int, alpha, beta float32) []uint32 {
	return []uint32{
		uint32(m), uint32(n), uint32(k),
		uint32(lda), uint32(ldb), uint32(ldc),
		transFlag(tA), transFlag(tB),
		math.Float32bits(alpha), math.Float32bits(beta),
		0, 0,
	}
}

func transFlag(t blas.Transpose) uint32 {
	if t == blas.NoTrans {
		return 0
	}
	return 1
}

// extent is the number of elements a row-major rows×cols matrix with the
// given leading dimension spans.
func extent(rows, cols, ld int) int {
	if rows == 0 || cols == 0 {
		return 0
	}
	return (rows-1)*ld + cols
}

// checkGemm applies the argument rules gonum enforces by panicking, as
// errors instead.
func checkGemm(tA, tB blas.Transpose, m, n, k, lda, ldb, ldc, lenA, lenB, lenC int) error {
	for _, t := range []blas.Transpose{tA, tB} {
		if t != blas.NoTrans && t != blas.Trans && t != blas.ConjTrans {
			return fmt.Errorf("bad transpose %q", byte(t))
		}
	}
	if m < 0 || n < 0 || k < 0 {
		return fmt.Errorf("negative dimension m=%d n=%d k=%d", m, n, k)
	}

	rowsA, colsA := m, k
	if tA != blas.NoTrans {
		rowsA, colsA = k, m
	}
	rowsB, colsB := k, n
	if tB != blas.NoTrans {
		rowsB, colsB = n, k
	}

	checks := []struct {
		name           string
		rows, cols, ld int
		length         int
	}{
		{"a", rowsA, colsA, lda, lenA},
		{"b", rowsB, colsB, ldb, lenB},
		{"c", m, n, ldc, lenC},
	}
	for _, c := range checks {
		if c.ld < max(1, c.cols) {
			return fmt.Errorf("ld%s %d < %d", c.name, c.ld, max(1, c.cols))
		}
		if need := extent(c.rows, c.cols, c.ld); c.length < need {
			return fmt.Errorf("%s has %d elements, want %d", c.name, c.length, need)
		}
	}
	return nil
}
