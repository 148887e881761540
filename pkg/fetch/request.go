package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/nathan-walker/giles/pkg/models"
	"github.com/nathan-walker/giles/pkg/parse"
	"github.com/nathan-walker/giles/pkg/utils"
)

const (
	acceptHeader   = "text/html;q=0.9,*/*;q=0.8"
	readChunkSize  = 32 * 1024
	redirectDrain  = 4 * 1024 // Bytes of a redirect body read so the connection can be reused
	unlimitedBytes = -1
)

// PolicyChecker re-validates a redirect target that leaves the current origin
type PolicyChecker interface {
	IsBlacklisted(hostname string) bool
	CheckRobots(ctx context.Context, scheme, host, path string) (bool, error)
}

// RequestConfig carries the agent-level settings a Request is bound to
type RequestConfig struct {
	UserAgent    string
	MaxRedirects int
	Options      models.RequestOptions
}

// Request fetches one URL, following redirects, and settles exactly once.
// A Request is single-use; Run executes on the caller's goroutine.
type Request struct {
	id        string
	pools     Pools
	policy    PolicyChecker // nil disables cross-origin re-validation
	userAgent string
	maxHops   int
	opts      models.RequestOptions
	log       *logrus.Entry

	mu      sync.Mutex
	state   models.RequestState
	aborted bool
	cancel  context.CancelCauseFunc
	chain   []*url.URL

	ctx      context.Context
	current  *url.URL
	outbound *http.Request
	resp     *http.Response
	location string
	ceiling  int64
	hops     int
	buf      bytes.Buffer
	size     int64
	jar      http.CookieJar
	timer    *time.Timer

	settleOnce sync.Once
	result     *models.Result
	err        error
}

// NewRequest prepares a fetch of u; nothing is sent until Run
func NewRequest(u *url.URL, pools Pools, policy PolicyChecker, cfg RequestConfig, log *logrus.Entry) *Request {
	id := uuid.New().String()
	return &Request{
		id:        id,
		pools:     pools,
		policy:    policy,
		userAgent: cfg.UserAgent,
		maxHops:   cfg.MaxRedirects,
		opts:      cfg.Options,
		log:       log.WithFields(logrus.Fields{"request_id": id, "url": u.String()}),
		state:     models.RequestStateIdle,
		current:   u,
	}
}

// ID returns the request identifier used in log fields
func (r *Request) ID() string { return r.id }

// State returns the current state
func (r *Request) State() models.RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RedirectChain returns a copy of the URLs visited so far
func (r *Request) RedirectChain() []*url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*url.URL, len(r.chain))
	copy(out, r.chain)
	return out
}

// Abort terminates the exchange; Run fails with utils.ErrAborted unless it already settled.
// Safe to call from any goroutine, before or during Run.
func (r *Request) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	if r.cancel != nil {
		r.cancel(utils.ErrAborted)
	}
}

// Run performs the fetch and returns the body with its redirect chain.
// Cancelling ctx has the same effect as Abort.
func (r *Request) Run(ctx context.Context) (*models.Result, error) {
	r.mu.Lock()
	if r.state != models.RequestStateIdle {
		r.mu.Unlock()
		return nil, fmt.Errorf("request %s already started (state %s)", r.id, r.state)
	}
	r.ctx, r.cancel = context.WithCancelCause(ctx)
	if r.aborted {
		r.cancel(utils.ErrAborted)
	}
	r.mu.Unlock()
	defer r.cancel(nil)

	r.setState(models.RequestStateSending)
	for {
		state := r.State()
		if state.IsTerminal() {
			return r.result, r.err
		}
		switch state {
		case models.RequestStateSending:
			r.send()
		case models.RequestStateAwaitingResponse:
			r.awaitResponse()
		case models.RequestStateRedirecting:
			r.redirect()
		case models.RequestStateReceiving:
			r.receive()
		default:
			r.fail(fmt.Errorf("request %s in unexpected state %s", r.id, state))
		}
	}
}

func (r *Request) setState(s models.RequestState) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"from": prev, "state": s}).Trace("Request state change")
}

// send builds the outbound request for the current URL
func (r *Request) send() {
	if r.pools.For(r.current.Scheme) == nil {
		r.fail(fmt.Errorf("%w: scheme %q", utils.ErrProtocolMismatch, r.current.Scheme))
		return
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.current.String(), nil)
	if err != nil {
		r.fail(fmt.Errorf("%w: building request for %s: %w", utils.ErrFetch, r.current, err))
		return
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", r.userAgent)
	if r.jar != nil {
		if cookies := r.jar.Cookies(r.current); len(cookies) > 0 {
			parts := make([]string, len(cookies))
			for i, c := range cookies {
				parts[i] = c.Name + "=" + c.Value
			}
			req.Header.Set("Cookie", strings.Join(parts, "; "))
		}
	}

	r.outbound = req
	r.armTimer()
	r.setState(models.RequestStateAwaitingResponse)
}

// awaitResponse issues the exchange and validates the response headers
func (r *Request) awaitResponse() {
	pool := r.pools.For(r.current.Scheme)
	resp, err := pool.Do(r.outbound)
	r.outbound = nil
	if err != nil {
		if ierr := r.interruption(); ierr != nil {
			r.fail(ierr)
			return
		}
		r.fail(fmt.Errorf("%w: %w", utils.ErrTransport, err))
		return
	}
	r.resp = resp
	r.armTimer()

	respLog := r.log.WithFields(logrus.Fields{"status_code": resp.StatusCode, "current_url": r.current.String()})

	if setCookies := resp.Cookies(); len(setCookies) > 0 {
		if err := r.storeCookies(setCookies); err != nil {
			respLog.Warnf("Dropping cookies: %v", err)
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		r.location = resp.Header.Get("Location")
		respLog.WithField("location", r.location).Debug("Redirect received")
		r.setState(models.RequestStateRedirecting)
		return
	case http.StatusNotFound:
		r.fail(fmt.Errorf("%w: %s", utils.ErrNotFound, r.current))
		return
	default:
		r.fail(fmt.Errorf("%w: status %d %s", utils.ErrFetch, resp.StatusCode, resp.Status))
		return
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "text/html") {
		r.fail(fmt.Errorf("%w: got %q", utils.ErrBadType, ct))
		return
	}

	r.ceiling = unlimitedBytes
	if r.opts.MaxSize > 0 {
		r.ceiling = r.opts.MaxSize
	}
	if resp.ContentLength >= 0 {
		if r.opts.MaxSize > 0 && resp.ContentLength > r.opts.MaxSize {
			r.fail(fmt.Errorf("%w: Content-Length %d exceeds %d", utils.ErrMaxLength, resp.ContentLength, r.opts.MaxSize))
			return
		}
		r.ceiling = resp.ContentLength
	}

	if enc := strings.TrimSpace(resp.Header.Get("Content-Encoding")); enc != "" && !strings.EqualFold(enc, "identity") {
		r.fail(fmt.Errorf("%w: %q", utils.ErrUnsupportedEncoding, enc))
		return
	}

	r.setState(models.RequestStateReceiving)
}

// receive streams the body into the buffer, enforcing the ceiling before each append
func (r *Request) receive() {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.resp.Body.Read(chunk)
		if n > 0 {
			if r.ceiling != unlimitedBytes && r.size+int64(n) > r.ceiling {
				r.fail(fmt.Errorf("%w: body exceeds %d bytes", utils.ErrMaxLength, r.ceiling))
				return
			}
			r.buf.Write(chunk[:n])
			r.size += int64(n)
			r.armTimer()
		}
		if errors.Is(err, io.EOF) {
			r.complete()
			return
		}
		if err != nil {
			if ierr := r.interruption(); ierr != nil {
				r.fail(ierr)
				return
			}
			r.fail(fmt.Errorf("%w: connection dropped after %d bytes: %w", utils.ErrAborted, r.size, err))
			return
		}
	}
}

// redirect moves to the Location target, re-checking policy when the origin changes
func (r *Request) redirect() {
	prev := r.current
	r.closeBody(true)
	r.appendChain(prev)

	if r.location == "" {
		r.fail(fmt.Errorf("%w: redirect from %s without Location", utils.ErrFetch, prev))
		return
	}
	next, err := parse.ResolveLocation(prev, r.location)
	if err != nil {
		r.fail(fmt.Errorf("%w: %w", utils.ErrFetch, err))
		return
	}
	r.location = ""

	r.hops++
	if r.maxHops > 0 && r.hops > r.maxHops {
		r.fail(fmt.Errorf("%w: %d hops", utils.ErrRedirectLimit, r.maxHops))
		return
	}
	r.current = next

	if r.pools.For(next.Scheme) == nil {
		r.fail(fmt.Errorf("%w: redirect to scheme %q", utils.ErrProtocolMismatch, next.Scheme))
		return
	}
	if parse.SameOrigin(prev, next) || r.policy == nil {
		r.setState(models.RequestStateSending)
		return
	}

	hostLog := r.log.WithField("redirect_to", next.String())
	if r.policy.IsBlacklisted(strings.ToLower(next.Hostname())) {
		hostLog.Info("Redirect target is blacklisted")
		r.fail(fmt.Errorf("%w: redirect to %s", utils.ErrBlacklisted, next.Hostname()))
		return
	}

	r.stopTimer() // The policy check is not transport inactivity
	allowed, err := r.policy.CheckRobots(r.ctx, next.Scheme, parse.OriginHost(next), parse.RequestPath(next))
	if ierr := r.interruption(); ierr != nil {
		r.fail(ierr)
		return
	}
	if err != nil {
		r.fail(err)
		return
	}
	if !allowed {
		hostLog.Info("Redirect target disallowed by robots.txt")
		r.fail(fmt.Errorf("%w: redirect to %s", utils.ErrRobotsDisallowed, next))
		return
	}
	r.setState(models.RequestStateSending)
}

func (r *Request) complete() {
	r.appendChain(r.current)
	r.settle(&models.Result{Data: r.buf.String(), RedirectChain: r.RedirectChain()}, nil)
}

func (r *Request) fail(err error) {
	r.settle(nil, err)
}

// settle records the outcome once and releases the body and timer
func (r *Request) settle(res *models.Result, err error) {
	r.settleOnce.Do(func() {
		r.stopTimer()
		r.closeBody(false)

		r.result, r.err = res, err
		if err != nil {
			r.mu.Lock()
			if n := len(r.chain); n == 0 || r.chain[n-1] != r.current {
				r.chain = append(r.chain, r.current)
			}
			r.mu.Unlock()
			r.buf.Reset()
			r.log.WithFields(logrus.Fields{"error_type": utils.CategorizeError(err), "failed_url": r.current.String()}).Debugf("Request failed: %v", err)
			r.setState(models.RequestStateFailed)
			return
		}
		r.log.WithFields(logrus.Fields{"bytes": r.size, "hops": r.hops}).Debug("Request complete")
		r.setState(models.RequestStateComplete)
	})
}

// interruption reports why the exchange context ended, or nil if it is still live
func (r *Request) interruption() error {
	if r.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(r.ctx)
	switch {
	case errors.Is(cause, utils.ErrTimeout):
		return fmt.Errorf("%w: no activity for %v", utils.ErrTimeout, r.opts.Timeout)
	case errors.Is(cause, utils.ErrAborted):
		return fmt.Errorf("%w: aborted by caller", utils.ErrAborted)
	}
	return fmt.Errorf("%w: %w", utils.ErrAborted, cause)
}

func (r *Request) storeCookies(cookies []*http.Cookie) error {
	if r.jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return err
		}
		r.jar = jar
	}
	r.jar.SetCookies(r.current, cookies)
	return nil
}

func (r *Request) appendChain(u *url.URL) {
	r.mu.Lock()
	r.chain = append(r.chain, u)
	r.mu.Unlock()
}

// closeBody releases the current response; drain keeps the connection reusable
func (r *Request) closeBody(drain bool) {
	if r.resp == nil {
		return
	}
	if drain {
		io.Copy(io.Discard, io.LimitReader(r.resp.Body, redirectDrain))
	}
	r.resp.Body.Close()
	r.resp = nil
}

// armTimer starts or restarts the inactivity timer
func (r *Request) armTimer() {
	if r.opts.Timeout <= 0 {
		return
	}
	if r.timer == nil {
		cancel := r.cancel
		r.timer = time.AfterFunc(r.opts.Timeout, func() { cancel(utils.ErrTimeout) })
		return
	}
	r.timer.Reset(r.opts.Timeout)
}

func (r *Request) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
}
