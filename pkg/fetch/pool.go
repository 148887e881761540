package fetch

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/config"
	"github.com/nathan-walker/giles/pkg/parse"
)

// Pool is a bounded connection pool for one scheme. At most limit exchanges
// per host are in flight; a permit is held from send until the body is closed.
type Pool struct {
	scheme    string
	client    *http.Client
	transport *http.Transport
	hosts     *HostLimiter
	log       *logrus.Entry

	stopEviction context.CancelFunc
	evictionDone chan struct{}
	closeOnce    sync.Once
}

// NewPool builds the pool for scheme ("http" or "https") and starts idle host eviction.
func NewPool(scheme string, limit int, cfg config.HTTPClientConfig, evictionInterval time.Duration, log *logrus.Entry) *Pool {
	poolLog := log.WithField("pool", scheme)
	transport := NewTransport(cfg, limit, scheme == "https")

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		scheme:       scheme,
		transport:    transport,
		client:       NewClient(transport, poolLog),
		hosts:        NewHostLimiter(limit, poolLog),
		log:          poolLog,
		stopEviction: cancel,
		evictionDone: make(chan struct{}),
	}
	go func() {
		defer close(p.evictionDone)
		p.hosts.RunSweeper(ctx, evictionInterval)
	}()
	return p
}

// Scheme returns the URL scheme this pool serves
func (p *Pool) Scheme() string { return p.scheme }

// Hosts exposes the per-host admission control
func (p *Pool) Hosts() *HostLimiter { return p.hosts }

// Do acquires a permit for the request's host, then performs the exchange.
// The permit is released when the returned body is closed, or immediately on error.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	host := parse.OriginHost(req.URL)
	if inUse := p.hosts.InUse(host); inUse >= p.hosts.Limit() {
		p.log.WithFields(logrus.Fields{"host": host, "in_use": inUse}).Debug("Host at concurrency limit, waiting for a permit")
	}
	permit, err := p.hosts.Acquire(req.Context(), host)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		permit.Release()
		return nil, err
	}
	resp.Body = &permitBody{ReadCloser: resp.Body, permit: permit}
	return resp, nil
}

// Close stops eviction and drops idle connections. In-flight exchanges are unaffected.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.stopEviction()
		<-p.evictionDone
		p.transport.CloseIdleConnections()
		p.log.WithField("tracked_hosts", p.hosts.Tracked()).Debug("Pool closed")
	})
}

// permitBody returns the host permit when the body is closed
type permitBody struct {
	io.ReadCloser
	permit *Permit
}

func (b *permitBody) Close() error {
	err := b.ReadCloser.Close()
	b.permit.Release()
	return err
}

// Pools holds the plain and secure pools of one agent
type Pools struct {
	HTTP  *Pool
	HTTPS *Pool
}

// NewPools builds both pools with the same per-host limit
func NewPools(limit int, cfg config.HTTPClientConfig, evictionInterval time.Duration, log *logrus.Entry) Pools {
	return Pools{
		HTTP:  NewPool("http", limit, cfg, evictionInterval, log),
		HTTPS: NewPool("https", limit, cfg, evictionInterval, log),
	}
}

// For returns the pool serving scheme, or nil for anything but http and https
func (p Pools) For(scheme string) *Pool {
	switch scheme {
	case "http":
		return p.HTTP
	case "https":
		return p.HTTPS
	}
	return nil
}

// Close closes both pools
func (p Pools) Close() {
	if p.HTTP != nil {
		p.HTTP.Close()
	}
	if p.HTTPS != nil {
		p.HTTPS.Close()
	}
}
