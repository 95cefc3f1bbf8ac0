// Package proxy is the capability-routing glue between an inbound
// capability call (python.exec, shell.run, filesystem.read, ...) and the
// runtime container that should serve it. The HTTP/JSON API surface that
// calls into this package, and the request/response bodies of individual
// capabilities, are external collaborators (spec §1) — proxying a request
// once the target container is known is mechanical. What this package
// owns is the "interesting contract": resolving capability → container →
// endpoint, and doing so against one shared, pooled HTTP client per spec
// §5 ("one HTTP client pool per Bay process, reused across readiness
// polling and capability proxying").
package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/profile"
	"github.com/agentserver/bay/internal/session"
)

// Router builds reverse proxies for capability calls, sharing one HTTP
// client (and therefore one connection pool) across every capability and
// every readiness probe in the process.
type Router struct {
	httpClient *http.Client
}

// NewRouter builds a Router backed by httpClient, the same client the
// session manager's readiness prober uses.
func NewRouter(httpClient *http.Client) *Router {
	return &Router{httpClient: httpClient}
}

// ErrorHandler lets callers surface a proxy-level failure (upstream
// unreachable mid-request) without this package knowing about the outer
// API's error envelope.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Proxy resolves capability against sess/prof and returns a ready-to-serve
// reverse proxy targeting that container's endpoint, rewriting the request
// path to upstreamPath. It needs a session whose containers already have
// endpoints, so it runs after compute is up; an unsupported capability
// returns the capability_not_supported *bayerr.Error from
// session.EndpointForCapability. profile.HasCapability answers the same
// question from the profile alone, without a session.
func (r *Router) Proxy(sess *db.Session, prof *profile.Profile, capability, upstreamPath string, onError ErrorHandler) (*httputil.ReverseProxy, error) {
	endpoint, err := session.EndpointForCapability(sess, prof, capability)
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	rp := &httputil.ReverseProxy{
		Transport: r.httpClient.Transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = upstreamPath
			req.Host = target.Host
		},
		FlushInterval: -1, // stream SSE/chunked capability responses without buffering
	}
	if onError != nil {
		rp.ErrorHandler = onError
	}
	return rp, nil
}
