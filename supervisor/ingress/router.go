/*
Package ingress is the public HTTP surface: a static file server plus a reverse proxy to the terminal bridge.

Requests under the terminal prefix are forwarded to the bridge with the prefix stripped. WebSocket upgrades are
passed through untouched and the two halves of the connection are copied until either side closes. Everything else
is served from the public directory.
*/
package ingress

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

var proxyMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

type Options struct {
	Log *zap.SugaredLogger
	// PublicDir is served for every path outside of Prefix.
	PublicDir string
	// Prefix is the proxied path prefix, e.g. "/terminal".
	Prefix string
	// Target is the bridge's base URL, e.g. http://127.0.0.1:7681.
	Target *url.URL
	// DialTimeout bounds how long a request waits for the bridge to accept a connection.
	DialTimeout time.Duration
}

// Router is the fixed route table. It is not modified after New returns.
type Router struct {
	log    *zap.SugaredLogger
	prefix string
	target *url.URL
	proxy  *httputil.ReverseProxy
	router *httprouter.Router
}

func New(opts Options) (*Router, error) {
	if opts.Target == nil {
		return nil, errors.New("no proxy target")
	}
	prefix := "/" + strings.Trim(opts.Prefix, "/")
	if prefix == "/" {
		return nil, fmt.Errorf("invalid proxy prefix %q", opts.Prefix)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	r := &Router{
		log:    log,
		prefix: prefix,
		target: opts.Target,
	}
	r.proxy = r.newProxy(opts.DialTimeout)

	router := httprouter.New()
	for _, m := range proxyMethods {
		router.Handle(m, prefix+"/*path", r.forward)
	}
	router.NotFound = http.FileServer(http.Dir(opts.PublicDir))
	r.router = router

	return r, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *Router) newProxy(dialTimeout time.Duration) *httputil.ReverseProxy {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(r.target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.log.Debugf("proxying %s %s: %s", req.Method, req.URL.Path, err)
			http.Error(w, "terminal unavailable", http.StatusBadGateway)
		},
	}
}

// forward proxies the request to the bridge, replacing the path with the part after the prefix.
func (r *Router) forward(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	path := params.ByName("path")
	if path == "" {
		path = "/"
	}

	out := new(http.Request)
	*out = *req
	out.URL = new(url.URL)
	*out.URL = *req.URL
	out.URL.Path = path
	out.URL.RawPath = ""

	r.proxy.ServeHTTP(w, out)
}
