package azrelay

import (
	"context"
	"io"
	"sync/atomic"
)

// RelayMetrics tracks storage-API call volume for one relay channel or
// listener; it is a separate, lower-level counter set from
// transport.Transport's Stats, which count DSP frames and bytes rather
// than backend transactions.
type RelayMetrics interface {
	IncrementWriteTransaction()
	IncrementReadTransaction()
	IncrementListTransaction()
	IncrementDeleteTransaction()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)

	GetWriteTransactionCount() int64
	GetReadTransactionCount() int64
	GetListTransactionCount() int64
	GetDeleteTransactionCount() int64
	GetBytesSent() int64
	GetBytesReceived() int64
}

type defaultRelayMetrics struct {
	writeTx, readTx, listTx, deleteTx int64
	bytesSent, bytesReceived          int64
}

func NewRelayMetrics() RelayMetrics { return &defaultRelayMetrics{} }

func (m *defaultRelayMetrics) IncrementWriteTransaction()     { atomic.AddInt64(&m.writeTx, 1) }
func (m *defaultRelayMetrics) IncrementReadTransaction()      { atomic.AddInt64(&m.readTx, 1) }
func (m *defaultRelayMetrics) IncrementListTransaction()      { atomic.AddInt64(&m.listTx, 1) }
func (m *defaultRelayMetrics) IncrementDeleteTransaction()    { atomic.AddInt64(&m.deleteTx, 1) }
func (m *defaultRelayMetrics) IncrementBytesSent(n int64)     { atomic.AddInt64(&m.bytesSent, n) }
func (m *defaultRelayMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }

func (m *defaultRelayMetrics) GetWriteTransactionCount() int64  { return atomic.LoadInt64(&m.writeTx) }
func (m *defaultRelayMetrics) GetReadTransactionCount() int64   { return atomic.LoadInt64(&m.readTx) }
func (m *defaultRelayMetrics) GetListTransactionCount() int64   { return atomic.LoadInt64(&m.listTx) }
func (m *defaultRelayMetrics) GetDeleteTransactionCount() int64 { return atomic.LoadInt64(&m.deleteTx) }
func (m *defaultRelayMetrics) GetBytesSent() int64              { return atomic.LoadInt64(&m.bytesSent) }
func (m *defaultRelayMetrics) GetBytesReceived() int64          { return atomic.LoadInt64(&m.bytesReceived) }

// GetRelayMetrics returns the metrics tracker for a Channel, if the
// net.Conn passed in is in fact one.
func GetRelayMetrics(c any) RelayMetrics {
	type provider interface{ RelayMetrics() RelayMetrics }
	if p, ok := c.(provider); ok {
		return p.RelayMetrics()
	}
	return nil
}

func (c *Channel) RelayMetrics() RelayMetrics { return c.cfg.metrics }

type metricsDriver struct {
	backendDriver
	m RelayMetrics
}

func (d *metricsDriver) postHandshake(ctx context.Context, connID string, data []byte) error {
	err := d.backendDriver.postHandshake(ctx, connID, data)
	if err == nil {
		d.m.IncrementWriteTransaction()
		d.m.IncrementBytesSent(int64(len(data)))
	}
	return err
}

func (d *metricsDriver) getHandshakes(ctx context.Context) ([]bootstrapMsg, error) {
	h, err := d.backendDriver.getHandshakes(ctx)
	if err == nil {
		d.m.IncrementReadTransaction()
		d.m.IncrementListTransaction()
	}
	return h, err
}

func (d *metricsDriver) deleteHandshake(ctx context.Context, id string) error {
	err := d.backendDriver.deleteHandshake(ctx, id)
	if err == nil {
		d.m.IncrementDeleteTransaction()
	}
	return err
}

func (d *metricsDriver) postToken(ctx context.Context, connID string, data []byte) error {
	err := d.backendDriver.postToken(ctx, connID, data)
	if err == nil {
		d.m.IncrementWriteTransaction()
		d.m.IncrementBytesSent(int64(len(data)))
	}
	return err
}

func (d *metricsDriver) getToken(ctx context.Context, connID string) ([]byte, error) {
	data, err := d.backendDriver.getToken(ctx, connID)
	if err == nil {
		d.m.IncrementReadTransaction()
		d.m.IncrementBytesReceived(int64(len(data)))
	}
	return data, err
}

func (d *metricsDriver) deleteToken(ctx context.Context, connID string) error {
	err := d.backendDriver.deleteToken(ctx, connID)
	if err == nil {
		d.m.IncrementDeleteTransaction()
	}
	return err
}

func (d *metricsDriver) createSession(ctx context.Context, connID string) (sealedTokens, error) {
	t, err := d.backendDriver.createSession(ctx, connID)
	if err == nil {
		d.m.IncrementWriteTransaction()
	}
	return t, err
}

func (d *metricsDriver) newBackend(ctx context.Context, connID string, tokens sealedTokens, isInitiator bool) (backend, error) {
	b, err := d.backendDriver.newBackend(ctx, connID, tokens, isInitiator)
	if err != nil {
		return nil, err
	}
	return newMetricsBackend(b, d.m), nil
}

func (d *metricsDriver) cleanupBootstrap(ctx context.Context) error {
	err := d.backendDriver.cleanupBootstrap(ctx)
	if err == nil {
		d.m.IncrementDeleteTransaction()
		d.m.IncrementDeleteTransaction()
	}
	return err
}

func (d *metricsDriver) cleanupSession(ctx context.Context, connID string) error {
	err := d.backendDriver.cleanupSession(ctx, connID)
	if err == nil {
		d.m.IncrementDeleteTransaction()
	}
	return err
}

type metricsBackend struct {
	backend
	rot rotator
	m   RelayMetrics
}

func newMetricsBackend(b backend, m RelayMetrics) *metricsBackend {
	mb := &metricsBackend{backend: b, m: m}
	if r, ok := b.(rotator); ok {
		mb.rot = r
	}
	return mb
}

func (b *metricsBackend) writeRaw(ctx context.Context, data io.ReadSeeker) error {
	var size int64
	if data != nil {
		pos, _ := data.Seek(0, io.SeekCurrent)
		end, _ := data.Seek(0, io.SeekEnd)
		_, _ = data.Seek(pos, io.SeekStart)
		size = end - pos
	}
	err := b.backend.writeRaw(ctx, data)
	if err == nil {
		b.m.IncrementWriteTransaction()
		b.m.IncrementBytesSent(size)
	}
	return err
}

func (b *metricsBackend) readRaw(ctx context.Context) (io.ReadCloser, error) {
	rc, err := b.backend.readRaw(ctx)
	if err == nil {
		b.m.IncrementReadTransaction()
		return &metricsReadCloser{ReadCloser: rc, m: b.m}, nil
	}
	return nil, err
}

func (b *metricsBackend) shouldRotate() bool {
	if b.rot != nil {
		return b.rot.shouldRotate()
	}
	return false
}

func (b *metricsBackend) rotateTX(ctx context.Context) error {
	if b.rot != nil {
		return b.rot.rotateTX(ctx)
	}
	return nil
}

func (b *metricsBackend) rotateRX() error {
	if b.rot != nil {
		return b.rot.rotateRX()
	}
	return nil
}

type metricsReadCloser struct {
	io.ReadCloser
	m RelayMetrics
}

func (r *metricsReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.m.IncrementBytesReceived(int64(n))
	}
	return n, err
}
