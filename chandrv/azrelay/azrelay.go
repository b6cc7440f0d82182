// Package azrelay is a chandrv ByteChannel driver for peers that cannot
// open a direct socket to each other: it rendezvouses through an Azure
// Storage account (append blobs, queues or tables) instead of a listening port,
// bootstraps a Noise NN session over that rendezvous point, and hands
// DSP an encrypted net.Conn to run its own TLS/SASL login on top of.
// It is adapted from a storage-backed net.Conn library in the retrieved
// example pack that used exactly this handshake-then-relay shape for
// NAT/firewall traversal (see DESIGN.md).
package azrelay

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	msgTypeData byte = 0x00
	msgTypePing byte = 0x01
	msgTypeFin  byte = 0x02
	msgTypeRot  byte = 0x03
)

// bootstrapMsg is the Noise-encrypted handshake payload the dialer
// posts to the rendezvous point.
type bootstrapMsg struct {
	ID      string
	Payload []byte
}

// sealedTokens are the session-specific SAS tokens exchanged after the
// Noise handshake completes, so the relay channel's actual data path
// never reuses the bootstrap credentials.
type sealedTokens struct {
	Req string `json:"req"`
	Res string `json:"res"`
}

// backend is the raw byte-exchange surface a concrete relay (blob,
// queue, table) implements.
type backend interface {
	writeRaw(ctx context.Context, data io.ReadSeeker) error
	readRaw(ctx context.Context) (io.ReadCloser, error)
	close() error
	localAddr() net.Addr
	remoteAddr() net.Addr
	maxRawSize() int
}

// rotator is optionally implemented by backends with a bounded resource
// (append blobs cap out at 50,000 blocks) that must roll over to a new
// resource mid-session.
type rotator interface {
	shouldRotate() bool
	rotateTX(ctx context.Context) error
	rotateRX() error
}

// relayAddr is a net.Addr shared by every backend.
type relayAddr struct {
	driver   string
	endpoint string
	resource string
}

func (a relayAddr) Network() string { return a.driver }
func (a relayAddr) String() string  { return a.endpoint + "/" + a.resource }

// backendDriver knows how to set up the bootstrap exchange and mint
// per-session backends for one storage service.
type backendDriver interface {
	postHandshake(ctx context.Context, connID string, data []byte) error
	getHandshakes(ctx context.Context) ([]bootstrapMsg, error)
	deleteHandshake(ctx context.Context, id string) error

	postToken(ctx context.Context, connID string, data []byte) error
	getToken(ctx context.Context, connID string) ([]byte, error)
	deleteToken(ctx context.Context, connID string) error

	createSession(ctx context.Context, connID string) (sealedTokens, error)
	createBootstrapTokens() (hSAS, tSAS string, err error)

	newBackend(ctx context.Context, connID string, tokens sealedTokens, isInitiator bool) (backend, error)

	cleanupBootstrap(ctx context.Context) error
	cleanupSession(ctx context.Context, connID string) error
}

// backendFactory builds a backendDriver for a parsed endpoint.
type backendFactory interface {
	newDriver(ep *Endpoint, cfg *Config) (backendDriver, error)
}

var (
	ErrUnsupportedBackend  = errors.New("azrelay: unsupported backend")
	ErrClientCreation      = errors.New("azrelay: client creation failed")
	ErrSASGeneration       = errors.New("azrelay: failed to generate SAS token")
	ErrMissingSAS          = errors.New("azrelay: missing handshake or token SAS in URL")
	ErrInvalidSASEncoding  = errors.New("azrelay: invalid SAS encoding")
	ErrDecodeToken         = errors.New("azrelay: failed to decode token payload")
	ErrHandshakeExchange   = errors.New("azrelay: failed to exchange handshake")
	ErrInvalidConfig       = errors.New("azrelay: invalid configuration")
	ErrNoData              = errors.New("azrelay: no data available")
)

var backendFactories = make(map[string]backendFactory)

func registerBackend(name string, f backendFactory) {
	if _, dup := backendFactories[name]; dup {
		panic("azrelay: backend already registered: " + name)
	}
	backendFactories[name] = f
}

// Backends lists the registered relay backend names (e.g. "blob", "queue").
func Backends() []string {
	out := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookupBackend(name string) (backendFactory, bool) {
	f, ok := backendFactories[name]
	return f, ok
}

func initialize(backendName, address string, opts []RelayOption) (backendDriver, *Endpoint, *Config, error) {
	factory, ok := lookupBackend(backendName)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backendName)
	}

	cfg := applyRelayOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, nil, nil, err
	}
	ep := NewEndpoint(u)

	drv, err := factory.newDriver(ep, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return &metricsDriver{backendDriver: drv, m: cfg.metrics}, ep, cfg, nil
}

// Listen starts accepting relay channels over backendName (e.g. "blob",
// "queue") at address (the storage account's service URL).
func Listen(backendName, address string, opts ...RelayOption) (*RelayListener, error) {
	drv, ep, cfg, err := initialize(backendName, address, opts)
	if err != nil {
		return nil, err
	}
	l := &RelayListener{backendName: backendName, ep: ep, driver: drv, cfg: cfg}
	go l.janitor()
	return l, nil
}

// Dial opens a relay channel over backendName to address (a service URL
// carrying the pre-shared handshake/token SAS tokens in its query string
// when the dialer has no storage account key of its own).
func Dial(backendName, address string, opts ...RelayOption) (net.Conn, error) {
	drv, _, cfg, err := initialize(backendName, address, opts)
	if err != nil {
		return nil, err
	}

	connID := uuid.New().String()
	noise, err := newNoiseClient()
	if err != nil {
		return nil, err
	}
	msg1, err := noise.writeMessage([]byte(connID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseMsgFailed, err)
	}
	if err := drv.postHandshake(cfg.ctx, connID, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeExchange, err)
	}

	dialCtx, cancel := context.WithTimeout(cfg.ctx, cfg.connectTimeout)
	defer cancel()

	var sealed []byte
	for {
		data, err := drv.getToken(dialCtx, connID)
		if err == nil {
			sealed = data
			break
		}
		if !errors.Is(err, ErrNoData) {
			return nil, err
		}
		select {
		case <-dialCtx.Done():
			return nil, dialCtx.Err()
		case <-time.After(cfg.dataPoll):
		}
	}

	payload, err := noise.readMessage(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	var tokens sealedTokens
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeToken, err)
	}
	if !noise.isComplete() {
		return nil, ErrHandshakeIncomplete
	}

	b, err := drv.newBackend(cfg.ctx, connID, tokens, true)
	if err != nil {
		return nil, err
	}
	ctx, cancel2 := context.WithCancel(cfg.ctx)
	return newChannel(ctx, cancel2, b, cfg, noise, drv, connID), nil
}

// Channel is the net.Conn handed to DSP's transport layer once the
// rendezvous handshake completes; all application bytes cross it
// Noise-encrypted and framed independently of DSP's own wire framing.
type Channel struct {
	backend backend
	rot     rotator
	driver  backendDriver
	ctx     context.Context
	cancel  context.CancelFunc

	bufs  *channelBuffers
	cfg   *Config
	noise *noiseSession
	poll  *adaptivePoll

	readDeadline  atomic.Pointer[time.Time]
	writeDeadline atomic.Pointer[time.Time]

	id string

	lastActive   atomic.Int64
	peerLastSeen atomic.Int64

	cleanupToken sync.Once
	closeOnce    sync.Once

	wmu sync.Mutex
	rmu sync.Mutex
	fmu sync.Mutex

	closed      atomic.Uint32
	closedRead  atomic.Uint32
	closedWrite atomic.Uint32
	mtu         int
	readRemain  int
}

type channelBuffers struct {
	Enc   []byte
	Dec   []byte
	Read  bytes.Buffer
	Write bytes.Buffer
	Noise bytes.Buffer
}

var channelBufferPool = sync.Pool{
	New: func() any {
		return &channelBuffers{Enc: make([]byte, 0, 64*1024), Dec: make([]byte, 0, 64*1024)}
	},
}

func newChannel(ctx context.Context, cancel context.CancelFunc, b backend, cfg *Config, noise *noiseSession, drv backendDriver, connID string) *Channel {
	now := time.Now()
	c := &Channel{
		ctx:     ctx,
		cancel:  cancel,
		poll:    newAdaptivePoll(cfg.fastPoll, cfg.dataPoll),
		backend: b,
		driver:  drv,
		id:      connID,
		cfg:     cfg,
		noise:   noise,
		bufs:    channelBufferPool.Get().(*channelBuffers),
		mtu:     b.maxRawSize() - noiseOverhead - frameHeaderSize,
	}
	if r, ok := b.(rotator); ok {
		c.rot = r
	}
	c.peerLastSeen.Store(now.UnixNano())
	c.lastActive.Store(now.UnixNano())
	if cfg.pingInterval > 0 {
		go c.keepAlive()
	}
	return c
}

func (c *Channel) Read(p []byte) (int, error) {
	for {
		if c.closed.Load() == 1 {
			return 0, net.ErrClosed
		}
		c.rmu.Lock()
		if c.closedRead.Load() == 1 {
			c.rmu.Unlock()
			return 0, io.EOF
		}
		deadline := c.readDeadline.Load()
		if deadline != nil && !deadline.IsZero() && time.Now().After(*deadline) {
			c.rmu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}

		if c.readRemain > 0 {
			n := copy(p, c.bufs.Read.Next(min(c.readRemain, len(p))))
			c.readRemain -= n
			c.rmu.Unlock()
			return n, nil
		}

		if c.bufs.Read.Len() >= frameHeaderSize {
			header := c.bufs.Read.Bytes()[:frameHeaderSize]
			fType := header[4]
			fLen := int(binary.BigEndian.Uint32(header[:4]))

			if c.bufs.Read.Len() >= frameHeaderSize+fLen {
				c.peerLastSeen.Store(time.Now().UnixNano())
				switch fType {
				case msgTypeData:
					c.bufs.Read.Next(frameHeaderSize)
					n := copy(p, c.bufs.Read.Next(min(fLen, len(p))))
					c.readRemain = fLen - n
					c.rmu.Unlock()
					return n, nil
				case msgTypePing:
					c.bufs.Read.Next(frameHeaderSize + fLen)
					c.rmu.Unlock()
					continue
				case msgTypeFin:
					c.bufs.Read.Next(frameHeaderSize + fLen)
					c.closedRead.Store(1)
					c.rmu.Unlock()
					return 0, io.EOF
				case msgTypeRot:
					c.bufs.Read.Next(frameHeaderSize + fLen)
					if c.rot != nil {
						_ = c.rot.rotateRX()
					}
					c.rmu.Unlock()
					continue
				default:
					c.bufs.Read.Next(frameHeaderSize + fLen)
					c.rmu.Unlock()
					continue
				}
			}
		}
		c.rmu.Unlock()

		rawStream, err := c.backend.readRaw(c.ctx)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				c.poll.sleep()
				continue
			}
			if errors.Is(err, context.Canceled) && c.closed.Load() == 1 {
				return 0, net.ErrClosed
			}
			return 0, err
		}

		_, err = c.bufs.Noise.ReadFrom(rawStream)
		rawStream.Close()
		if err != nil && err != io.EOF {
			return 0, err
		}

		c.rmu.Lock()
		for {
			decrypted, rest, err := c.noise.unsealData(c.bufs.Dec, c.bufs.Noise.Bytes())
			if err != nil {
				if err != io.ErrShortBuffer {
					c.rmu.Unlock()
					return 0, err
				}
				break
			}
			c.bufs.Dec = decrypted[:0]

			c.cleanupToken.Do(func() {
				if !c.noise.isInitiator() && c.driver != nil {
					go func() {
						ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
						defer cancel()
						_ = c.driver.deleteToken(ctx, c.id)
					}()
				}
			})

			c.bufs.Read.Write(decrypted)
			used := c.bufs.Noise.Len() - len(rest)
			c.bufs.Noise.Next(used)
		}
		c.rmu.Unlock()
		c.poll.reset()
	}
}

func (c *Channel) Write(p []byte) (int, error) {
	if c.closed.Load() == 1 || c.closedWrite.Load() == 1 {
		return 0, io.ErrClosedPipe
	}
	deadline := c.writeDeadline.Load()
	if deadline != nil && !deadline.IsZero() && time.Now().After(*deadline) {
		return 0, os.ErrDeadlineExceeded
	}

	total := len(p)
	c.wmu.Lock()
	for len(p) > 0 {
		chunk := min(len(p), c.mtu)
		buildFrame(&c.bufs.Write, relayFrame{Type: msgTypeData, Payload: p[:chunk]})
		p = p[chunk:]
	}
	c.wmu.Unlock()

	if err := c.flush(); err != nil {
		return 0, err
	}
	return total, nil
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(1)
		_ = c.flush()

		if c.closedWrite.Load() == 0 {
			c.wmu.Lock()
			buildFrame(&c.bufs.Write, relayFrame{Type: msgTypeFin})
			c.wmu.Unlock()
		}
		_ = c.flush()
		err = c.backend.close()
		c.cancel()

		if c.bufs != nil {
			c.bufs.Read.Reset()
			c.bufs.Write.Reset()
			c.bufs.Noise.Reset()
			c.bufs.Enc = c.bufs.Enc[:0]
			c.bufs.Dec = c.bufs.Dec[:0]
			channelBufferPool.Put(c.bufs)
			c.bufs = nil
		}
	})
	return err
}

func (c *Channel) CloseWrite() error {
	if c.closed.Load() == 1 || c.closedWrite.Swap(1) == 1 {
		return nil
	}
	c.wmu.Lock()
	buildFrame(&c.bufs.Write, relayFrame{Type: msgTypeFin})
	c.wmu.Unlock()
	return c.flush()
}

func (c *Channel) LocalAddr() net.Addr  { return c.backend.localAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.backend.remoteAddr() }

func (c *Channel) SetDeadline(t time.Time) error {
	c.readDeadline.Store(&t)
	c.writeDeadline.Store(&t)
	return nil
}
func (c *Channel) SetReadDeadline(t time.Time) error  { c.readDeadline.Store(&t); return nil }
func (c *Channel) SetWriteDeadline(t time.Time) error { c.writeDeadline.Store(&t); return nil }

// MTU returns the maximum application payload per relay frame.
func (c *Channel) MTU() int { return c.mtu }

func (c *Channel) keepAlive() {
	ticker := time.NewTicker(c.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.closed.Load() == 1 || c.closedWrite.Load() == 1 {
				return
			}
			last := c.lastActive.Load()
			if time.Since(time.Unix(0, last)) >= c.cfg.pingInterval {
				c.wmu.Lock()
				buildFrame(&c.bufs.Write, relayFrame{Type: msgTypePing})
				c.wmu.Unlock()
				_ = c.flush()
			}
		}
	}
}

func (c *Channel) flush() error {
	c.fmu.Lock()
	defer c.fmu.Unlock()

	maxChunk := c.backend.maxRawSize() - noiseOverhead

	for {
		c.wmu.Lock()
		if c.bufs.Write.Len() == 0 {
			c.wmu.Unlock()
			return nil
		}

		if c.rot != nil && c.rot.shouldRotate() {
			c.wmu.Unlock()
			var rBuf bytes.Buffer
			buildFrame(&rBuf, relayFrame{Type: msgTypeRot})
			sealed, err := c.noise.sealData(c.bufs.Enc, rBuf.Bytes())
			if err != nil {
				return err
			}
			c.bufs.Enc = sealed[:0]
			if err := c.backend.writeRaw(c.ctx, bytes.NewReader(sealed)); err != nil {
				return err
			}
			if err := c.rot.rotateTX(c.ctx); err != nil {
				return err
			}
			continue
		}

		take := min(c.bufs.Write.Len(), maxChunk)
		plaintext := c.bufs.Write.Next(take)
		c.wmu.Unlock()

		sealed, err := c.noise.sealData(c.bufs.Enc, plaintext)
		if err != nil {
			return err
		}
		c.bufs.Enc = sealed[:0]

		if err := c.backend.writeRaw(c.ctx, bytes.NewReader(sealed)); err != nil {
			return err
		}
		c.lastActive.Store(time.Now().UnixNano())
	}
}

// RelayListener implements net.Listener over a rendezvous backend.
type RelayListener struct {
	backendName string
	ep          *Endpoint
	driver      backendDriver
	cfg         *Config
	conns       sync.Map // map[string]*Channel
}

func (l *RelayListener) Accept() (net.Conn, error) {
	for {
		select {
		case <-l.cfg.ctx.Done():
			return nil, net.ErrClosed
		default:
		}

		handshakes, err := l.driver.getHandshakes(l.cfg.ctx)
		if err != nil {
			time.Sleep(l.cfg.acceptPoll)
			continue
		}

		for _, hs := range handshakes {
			noise, err := newNoiseServer()
			if err != nil {
				continue
			}
			payload, err := noise.readMessage(hs.Payload)
			if err != nil {
				continue
			}
			connID := string(payload)
			if connID == "" {
				continue
			}
			if _, ok := l.conns.Load(connID); ok {
				continue
			}

			tokens, err := l.driver.createSession(l.cfg.ctx, connID)
			if err != nil {
				continue
			}
			encoded, err := json.Marshal(tokens)
			if err != nil {
				continue
			}
			msg2, err := noise.writeMessage(encoded)
			if err != nil {
				continue
			}
			if err := l.driver.postToken(l.cfg.ctx, connID, msg2); err != nil {
				continue
			}
			if !noise.isComplete() {
				continue
			}

			b, err := l.driver.newBackend(l.cfg.ctx, connID, tokens, false)
			if err != nil {
				continue
			}
			_ = l.driver.deleteHandshake(l.cfg.ctx, hs.ID)
			ctx, cancel := context.WithCancel(l.cfg.ctx)
			conn := newChannel(ctx, cancel, b, l.cfg, noise, l.driver, connID)
			l.conns.Store(connID, conn)
			return conn, nil
		}
		time.Sleep(l.cfg.acceptPoll)
	}
}

// ConnectionString returns the service URL a dialer can use to reach
// this listener, carrying freshly minted bootstrap SAS tokens.
func (l *RelayListener) ConnectionString() (string, error) {
	hSAS, tSAS, err := l.driver.createBootstrapTokens()
	if err != nil {
		return "", err
	}
	return l.ep.BuildConnURL(l.cfg, hSAS, tSAS), nil
}

func (l *RelayListener) Close() error {
	l.cfg.cancel()
	l.conns.Range(func(_, value any) bool {
		_ = value.(*Channel).Close()
		return true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return l.driver.cleanupBootstrap(ctx)
}

func (l *RelayListener) Addr() net.Addr {
	return relayAddr{l.backendName, l.ep.ServiceURL(), l.cfg.handshakeEndpoint}
}

func (l *RelayListener) janitor() {
	ticker := time.NewTicker(l.cfg.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.cfg.ctx.Done():
			return
		case <-ticker.C:
			l.conns.Range(func(key, value any) bool {
				id := key.(string)
				conn := value.(*Channel)
				closed := conn.closed.Load() == 1
				closedRead := conn.closedRead.Load() == 1
				peerLastSeen := time.Unix(0, conn.peerLastSeen.Load())
				if (closed && closedRead) || time.Since(peerLastSeen) > l.cfg.idleTimeout {
					_ = conn.Close()
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					_ = l.driver.deleteToken(ctx, id)
					_ = l.driver.cleanupSession(ctx, id)
					cancel()
					l.conns.Delete(id)
				}
				return true
			})
		}
	}
}
