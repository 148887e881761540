package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathan-walker/giles/pkg/models"
	"github.com/nathan-walker/giles/pkg/utils"
)

type fakePolicy struct {
	mu        sync.Mutex
	blacklist map[string]bool
	allow     bool
	err       error
	checks    []string // "scheme host path" per robots check
}

func (p *fakePolicy) IsBlacklisted(hostname string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blacklist[hostname]
}

func (p *fakePolicy) CheckRobots(ctx context.Context, scheme, host, path string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks = append(p.checks, scheme+" "+host+" "+path)
	return p.allow, p.err
}

func (p *fakePolicy) checkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checks)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func chainStrings(chain []*url.URL) []string {
	out := make([]string, len(chain))
	for i, u := range chain {
		out[i] = u.String()
	}
	return out
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, body)
	}
}

type requestRig struct {
	t      *testing.T
	pools  Pools
	policy *fakePolicy
	cfg    RequestConfig
}

func newRig(t *testing.T) *requestRig {
	return &requestRig{
		t:      t,
		pools:  newTestPools(t, 5),
		policy: &fakePolicy{allow: true},
		cfg:    RequestConfig{UserAgent: "Giles-Test", MaxRedirects: 10},
	}
}

func (rig *requestRig) request(raw string) *Request {
	return NewRequest(mustURL(rig.t, raw), rig.pools, rig.policy, rig.cfg, testLog())
}

func (rig *requestRig) run(raw string) (*Request, *models.Result, error) {
	req := rig.request(raw)
	res, err := req.Run(context.Background())
	return req, res, err
}

func TestRequest_Success(t *testing.T) {
	var gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept, gotUA = r.Header.Get("Accept"), r.Header.Get("User-Agent")
		htmlHandler("<html>hello</html>")(w, r)
	}))
	defer srv.Close()

	rig := newRig(t)
	req, res, err := rig.run(srv.URL + "/page")
	require.NoError(t, err)
	assert.Equal(t, "<html>hello</html>", res.Data)
	assert.Equal(t, []string{srv.URL + "/page"}, chainStrings(res.RedirectChain))
	assert.Equal(t, "text/html;q=0.9,*/*;q=0.8", gotAccept)
	assert.Equal(t, "Giles-Test", gotUA)
	assert.Equal(t, models.RequestStateComplete, req.State())
	assert.NotEmpty(t, req.ID())
	assert.Equal(t, int64(0), rig.pools.HTTP.Hosts().InUse(hostOf(t, srv.URL)), "permit must be returned")
}

func TestRequest_RunTwice(t *testing.T) {
	srv := httptest.NewServer(htmlHandler("ok"))
	defer srv.Close()

	rig := newRig(t)
	req := rig.request(srv.URL)
	_, err := req.Run(context.Background())
	require.NoError(t, err)
	_, err = req.Run(context.Background())
	assert.Error(t, err)
}

func TestRequest_RedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		// Absolute Location
		w.Header().Set("Location", "http://"+r.Host+"/c?x=1")
		w.WriteHeader(http.StatusSeeOther)
	})
	mux.HandleFunc("/c", htmlHandler("final"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rig := newRig(t)
	_, res, err := rig.run(srv.URL + "/a")
	require.NoError(t, err)
	assert.Equal(t, "final", res.Data)
	assert.Equal(t, []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c?x=1"}, chainStrings(res.RedirectChain))
	assert.Equal(t, srv.URL+"/c?x=1", res.FinalURL().String())
	assert.Zero(t, rig.policy.checkCount(), "same-origin redirects are not re-checked")
}

func TestRequest_RedirectStatuses(t *testing.T) {
	for _, code := range []int{301, 302, 303, 307} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/from", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "to")
				w.WriteHeader(code)
			})
			mux.HandleFunc("/to", htmlHandler("landed"))
			srv := httptest.NewServer(mux)
			defer srv.Close()

			_, res, err := newRig(t).run(srv.URL + "/from")
			require.NoError(t, err)
			assert.Equal(t, "landed", res.Data)
		})
	}

	t.Run("308 is not followed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/x", http.StatusPermanentRedirect)
		}))
		defer srv.Close()

		_, _, err := newRig(t).run(srv.URL)
		assert.ErrorIs(t, err, utils.ErrFetch)
	})
}

func TestRequest_RedirectWithoutLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	req, _, err := newRig(t).run(srv.URL + "/nowhere")
	assert.ErrorIs(t, err, utils.ErrFetch)
	assert.Equal(t, []string{srv.URL + "/nowhere"}, chainStrings(req.RedirectChain()))
}

func TestRequest_RedirectLimit(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, fmt.Sprintf("/hop%d", n.Add(1)), http.StatusFound)
	}))
	defer srv.Close()

	rig := newRig(t)
	rig.cfg.MaxRedirects = 3
	req, _, err := rig.run(srv.URL + "/start")
	assert.ErrorIs(t, err, utils.ErrRedirectLimit)
	assert.Len(t, req.RedirectChain(), 4)
	assert.Equal(t, int32(4), n.Load())
}

func TestRequest_CrossOriginRedirect(t *testing.T) {
	var targetHits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
		htmlHandler("target")(w, r)
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/landing?q=1", http.StatusFound)
	}))
	defer origin.Close()

	t.Run("allowed target is fetched after a robots check", func(t *testing.T) {
		targetHits.Store(0)
		rig := newRig(t)
		_, res, err := rig.run(origin.URL + "/go")
		require.NoError(t, err)
		assert.Equal(t, "target", res.Data)
		assert.Equal(t, []string{"http " + hostOf(t, target.URL) + " /landing?q=1"}, rig.policy.checks)
		assert.Len(t, res.RedirectChain, 2)
	})

	t.Run("robots disallow fails without opening the target", func(t *testing.T) {
		targetHits.Store(0)
		rig := newRig(t)
		rig.policy.allow = false
		req, _, err := rig.run(origin.URL + "/go")
		assert.ErrorIs(t, err, utils.ErrRobotsDisallowed)
		assert.Zero(t, targetHits.Load())
		assert.Equal(t, models.RequestStateFailed, req.State())
		assert.Equal(t, []string{origin.URL + "/go", target.URL + "/landing?q=1"}, chainStrings(req.RedirectChain()))
	})

	t.Run("blacklisted target fails before the robots check", func(t *testing.T) {
		targetHits.Store(0)
		rig := newRig(t)
		rig.policy.blacklist = map[string]bool{mustURL(t, target.URL).Hostname(): true}
		_, _, err := rig.run(origin.URL + "/go")
		assert.ErrorIs(t, err, utils.ErrBlacklisted)
		assert.Zero(t, targetHits.Load())
		assert.Zero(t, rig.policy.checkCount())
	})

	t.Run("policy errors propagate", func(t *testing.T) {
		targetHits.Store(0)
		rig := newRig(t)
		rig.policy.err = fmt.Errorf("%w: connection refused", utils.ErrCacheUnavailable)
		_, _, err := rig.run(origin.URL + "/go")
		assert.ErrorIs(t, err, utils.ErrCacheUnavailable)
		assert.Zero(t, targetHits.Load())
	})
}

func TestRequest_StatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected error
	}{
		{"not found", http.StatusNotFound, utils.ErrNotFound},
		{"forbidden", http.StatusForbidden, utils.ErrFetch},
		{"server error", http.StatusBadGateway, utils.ErrFetch},
		{"no content", http.StatusNoContent, utils.ErrFetch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			req, res, err := newRig(t).run(srv.URL + "/x")
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, []string{srv.URL + "/x"}, chainStrings(req.RedirectChain()))
		})
	}
}

func TestRequest_ContentTypeGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"a":1}`)
	}))
	defer srv.Close()

	_, _, err := newRig(t).run(srv.URL)
	assert.ErrorIs(t, err, utils.ErrBadType)
}

func TestRequest_ContentEncoding(t *testing.T) {
	for _, tt := range []struct {
		encoding string
		wantErr  bool
	}{
		{"gzip", true},
		{"br", true},
		{"identity", false},
		{"", false},
	} {
		t.Run("encoding="+tt.encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				io.WriteString(w, "plain")
			}))
			defer srv.Close()

			_, _, err := newRig(t).run(srv.URL)
			if tt.wantErr {
				assert.ErrorIs(t, err, utils.ErrUnsupportedEncoding)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequest_MaxSize(t *testing.T) {
	t.Run("declared length over max fails before reading", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Length", "100")
			w.Write([]byte(strings.Repeat("a", 100)))
		}))
		defer srv.Close()

		rig := newRig(t)
		rig.cfg.Options.MaxSize = 50
		_, _, err := rig.run(srv.URL)
		assert.ErrorIs(t, err, utils.ErrMaxLength)
	})

	t.Run("declared length equal to max succeeds", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Length", "50")
			w.Write([]byte(strings.Repeat("a", 50)))
		}))
		defer srv.Close()

		rig := newRig(t)
		rig.cfg.Options.MaxSize = 50
		_, res, err := rig.run(srv.URL)
		require.NoError(t, err)
		assert.Len(t, res.Data, 50)
	})

	t.Run("streamed body over max fails mid-stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			flusher := w.(http.Flusher)
			for i := 0; i < 5; i++ {
				w.Write([]byte(strings.Repeat("b", 10)))
				flusher.Flush()
			}
		}))
		defer srv.Close()

		rig := newRig(t)
		rig.cfg.Options.MaxSize = 25
		req, res, err := rig.run(srv.URL)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, utils.ErrMaxLength)
		assert.LessOrEqual(t, req.size, int64(25), "buffer never exceeds the ceiling")
	})

	t.Run("zero max is unlimited", func(t *testing.T) {
		big := strings.Repeat("c", 200*1024)
		srv := httptest.NewServer(htmlHandler(big))
		defer srv.Close()

		_, res, err := newRig(t).run(srv.URL)
		require.NoError(t, err)
		assert.Equal(t, big, res.Data)
	})
}

func TestRequest_ProtocolMismatch(t *testing.T) {
	req, _, err := newRig(t).run("ftp://files.example/readme")
	assert.ErrorIs(t, err, utils.ErrProtocolMismatch)
	assert.Equal(t, []string{"ftp://files.example/readme"}, chainStrings(req.RedirectChain()))
}

func TestRequest_RedirectToUnsupportedScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "ftp://files.example/readme", http.StatusFound)
	}))
	defer srv.Close()

	rig := newRig(t)
	_, _, err := rig.run(srv.URL)
	assert.ErrorIs(t, err, utils.ErrProtocolMismatch)
	assert.Zero(t, rig.policy.checkCount())
}

func TestRequest_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	rig := newRig(t)
	rig.cfg.Options.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, res, err := rig.run(srv.URL)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, utils.ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRequest_TimeoutResetByActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			io.WriteString(w, "tick")
			flusher.Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer srv.Close()

	rig := newRig(t)
	rig.cfg.Options.Timeout = 200 * time.Millisecond // Total exceeds it, no single gap does
	_, res, err := rig.run(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ticktickticktick", res.Data)
}

func TestRequest_Abort(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	req := newRig(t).request(srv.URL)
	go func() {
		<-started
		req.Abort()
	}()
	res, err := req.Run(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, utils.ErrAborted)
	assert.Equal(t, models.RequestStateFailed, req.State())
}

func TestRequest_AbortBeforeRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	req := newRig(t).request(srv.URL)
	req.Abort()
	_, err := req.Run(context.Background())
	assert.ErrorIs(t, err, utils.ErrAborted)
	assert.Zero(t, hits.Load())
}

func TestRequest_CallerContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newRig(t).request(srv.URL).Run(ctx)
	assert.ErrorIs(t, err, utils.ErrAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequest_ConnectionDroppedMidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		writeRaw(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 100\r\n\r\nshort")
	}))
	defer srv.Close()

	_, _, err := newRig(t).run(srv.URL)
	assert.ErrorIs(t, err, utils.ErrAborted)
}

func writeRaw(buf *bufio.ReadWriter, s string) {
	buf.WriteString(s)
	buf.Flush()
}

func TestRequest_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, _, err := newRig(t).run(addr)
	assert.ErrorIs(t, err, utils.ErrTransport)
	assert.True(t, strings.HasPrefix(utils.CategorizeError(err), "Network_"))
}

func TestRequest_Cookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		htmlHandler("cookie=" + r.Header.Get("Cookie"))(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, res, err := newRig(t).run(srv.URL + "/login")
	require.NoError(t, err)
	assert.Equal(t, "cookie=session=abc", res.Data)
}

func TestRequest_NoCookieHeaderWithoutJar(t *testing.T) {
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := r.Cookie("session")
		sawCookie.Store(!errors.Is(err, http.ErrNoCookie))
		htmlHandler("ok")(w, r)
	}))
	defer srv.Close()

	_, _, err := newRig(t).run(srv.URL)
	require.NoError(t, err)
	assert.False(t, sawCookie.Load())
}

func TestRequest_ConcurrencyBoundedPerHost(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		htmlHandler("ok")(w, r)
	}))
	defer srv.Close()

	rig := newRig(t)
	rig.pools = newTestPools(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rig.request(fmt.Sprintf("%s/p%d", srv.URL, i)).Run(context.Background())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
