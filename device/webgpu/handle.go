package webgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/blas"

	"github.com/openfluke/gru/device"
)

// handle owns one wgpu device and queue. mu serializes GEMMs because they
// share the queue and the map-and-poll readback.
type handle struct {
	mu     sync.Mutex
	cfg    Config
	info   device.Info
	log    *logrus.Entry
	closed bool

	dev      *wgpu.Device
	queue    *wgpu.Queue
	layout   *wgpu.BindGroupLayout
	pipeline *wgpu.ComputePipeline
}

func openHandle(cfg Config, info device.Info, adapter *wgpu.Adapter, log *logrus.Logger) (*handle, error) {
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: request device %d: %v: %w", info.ID, err, device.ErrDeviceFault)
	}
	h := &handle{
		cfg:   cfg,
		info:  info,
		log:   log.WithFields(logrus.Fields{"backend": "webgpu", "device": info.Name}),
		dev:   dev,
		queue: dev.GetQueue(),
	}
	if err := h.compile(); err != nil {
		h.release()
		return nil, fmt.Errorf("webgpu: compile gemm: %v: %w", err, device.ErrDeviceFault)
	}
	return h, nil
}

func (h *handle) compile() error {
	module, err := h.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "gemm_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaderSource(h.cfg.workgroup())},
	})
	if err != nil {
		return err
	}
	defer module.Release()

	// Explicit layout; "auto" layouts misbehave on some WASM targets.
	h.layout, err = h.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "gemm_bgl",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: 3, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}},
		},
	})
	if err != nil {
		return err
	}

	pipelineLayout, err := h.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "gemm_layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{h.layout},
	})
	if err != nil {
		return err
	}
	defer pipelineLayout.Release()

	h.pipeline, err = h.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "gemm_pipe",
		Layout:  pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	return err
}

func (h *handle) Info() device.Info { return h.info }

func (h *handle) Sgemm(tA, tB blas.Transpose, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) error {
	if err := checkGemm(tA, tB, m, n, k, lda, ldb, ldc, len(a), len(b), len(c)); err != nil {
		return fmt.Errorf("webgpu sgemm: %v: %w", err, device.ErrDeviceFault)
	}
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 || alpha == 0 {
		scaleRows(c, m, n, ldc, beta)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return device.ErrClosed
	}
	if err := h.dispatch(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"m": m, "n": n, "k": k}).Error("gemm failed")
		return fmt.Errorf("webgpu sgemm: %v: %w", err, device.ErrDeviceFault)
	}
	return nil
}

func (h *handle) Dgemm(blas.Transpose, blas.Transpose, int, int, int, float64, []float64, int, []float64, int, float64, []float64, int) error {
	return fmt.Errorf("webgpu dgemm: %w", device.ErrUnsupportedPrecision)
}

func (h *handle) Launch(n int, kernel func(lo, hi int)) {
	device.ParallelFor(h.cfg.Host.Workers, h.cfg.Host.MinParallel, n, kernel)
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.release()
	return nil
}

func (h *handle) release() {
	if h.pipeline != nil {
		h.pipeline.Release()
	}
	if h.layout != nil {
		h.layout.Release()
	}
	if h.dev != nil {
		h.dev.Release()
	}
}

func (h *handle) dispatch(tA, tB blas.Transpose, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) error {
	rowsA, colsA := m, k
	if tA != blas.NoTrans {
		rowsA, colsA = k, m
	}
	rowsB, colsB := k, n
	if tB != blas.NoTrans {
		rowsB, colsB = n, k
	}
	sizeC := extent(m, n, ldc)

	bufA, err := h.upload("gemm_a", a[:extent(rowsA, colsA, lda)], wgpu.BufferUsageStorage)
	if err != nil {
		return err
	}
	defer bufA.Destroy()
	bufB, err := h.upload("gemm_b", b[:extent(rowsB, colsB, ldb)], wgpu.BufferUsageStorage)
	if err != nil {
		return err
	}
	defer bufB.Destroy()
	bufC, err := h.upload("gemm_c", c[:sizeC], wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	if err != nil {
		return err
	}
	defer bufC.Destroy()
	bufP, err := h.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(gemmParams(tA, tB, m, n, k, lda, ldb, ldc, alpha, beta)),
		Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("params buffer: %v", err)
	}
	defer bufP.Destroy()

	staging, err := h.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "gemm_staging",
		Size:  uint64(sizeC * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("staging buffer: %v", err)
	}
	defer staging.Destroy()

	bind, err := h.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "gemm_bind",
		Layout: h.layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: bufA, Size: bufA.GetSize()},
			{Binding: 1, Buffer: bufB, Size: bufB.GetSize()},
			{Binding: 2, Buffer: bufC, Size: bufC.GetSize()},
			{Binding: 3, Buffer: bufP, Size: bufP.GetSize()},
		},
	})
	if err != nil {
		return fmt.Errorf("bind group: %v", err)
	}
	defer bind.Release()

	enc, err := h.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("command encoder: %v", err)
	}
	wg := uint32(h.cfg.workgroup())
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(h.pipeline)
	pass.SetBindGroup(0, bind, nil)
	pass.DispatchWorkgroups((uint32(n)+wg-1)/wg, (uint32(m)+wg-1)/wg, 1)
	pass.End()
	enc.CopyBufferToBuffer(bufC, 0, staging, 0, uint64(sizeC*4))
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish: %v", err)
	}
	h.queue.Submit(cmd)

	return h.readback(staging, c[:sizeC])
}

// upload creates a buffer initialized with data; label only names errors.
func (h *handle) upload(label string, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := h.dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%s buffer: %v", label, err)
	}
	return buf, nil
}

// readback maps staging and copies its contents into dst.
func (h *handle) readback(staging *wgpu.Buffer, dst []float32) error {
	size := uint64(len(dst) * 4)
	done := make(chan struct{})
	var mapErr error
	err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("map async: %v", err)
	}

	poll := func() { h.dev.Poll(false, nil) }
	cancel := func() {
		if err := staging.Unmap(); err != nil {
			h.log.WithError(err).Warn("unmap after readback timeout")
		}
	}
	if err := awaitMap(done, poll, cancel, h.cfg.readTimeout()); err != nil {
		return err
	}
	if mapErr != nil {
		return mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return fmt.Errorf("mapped range is nil")
	}
	copy(dst, wgpu.FromBytes[float32](data))
	staging.Unmap()
	return nil
}

// awaitMap polls until done is closed. On timeout it calls cancel so the
// pending map is aborted before the caller destroys the buffer.
func awaitMap(done <-chan struct{}, poll, cancel func(), timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		poll()
		select {
		case <-done:
			return nil
		case <-deadline:
			cancel()
			return fmt.Errorf("readback timed out after %s", timeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// scaleRows computes c = beta*c over the m×n window, the whole GEMM when
// alpha or k is zero.
func scaleRows(c []float32, m, n, ldc int, beta float32) {
	for i := 0; i < m; i++ {
		row := c[i*ldc : i*ldc+n]
		if beta == 0 {
			clear(row)
			continue
		}
		for j := range row {
			row[j] *= beta
		}
	}
}
