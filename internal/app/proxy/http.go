// Package proxy implements the CGNAT-aware reverse proxy: subdomain
// HTTP(S) traffic and terminal/SFTP WebSocket sessions are forwarded to the
// VM's host node, transparently riding the relay tunnel when the node has
// no routable public address.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/pkg/logger"
)

// SubdomainHeader is set by the upstream TLS terminator. Any
// client-supplied X-DeCloud-* header is stripped before forwarding.
const SubdomainHeader = "X-DeCloud-Subdomain"

// UpstreamDialTimeout bounds the dial to a node agent.
const UpstreamDialTimeout = 30 * time.Second

// routeCacheTTL bounds staleness of the optional Redis route cache.
const routeCacheTTL = 5 * time.Second

// hop-by-hop headers are stripped per RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Proxy resolves subdomain routes and forwards traffic to node agents.
type Proxy struct {
	routes storage.RouteStore
	vms    storage.VMStore
	nodes  storage.NodeStore
	cache  *redis.Client // optional second-tier route cache
	client *http.Client
	log    *logger.Logger
}

// New creates a proxy. cache may be nil; route lookups then hit the
// in-memory store directly, which is already cheap.
func New(routes storage.RouteStore, vms storage.VMStore, nodes storage.NodeStore, cache *redis.Client, log *logger.Logger) *Proxy {
	if log == nil {
		log = logger.NewDefault("proxy")
	}
	return &Proxy{
		routes: routes,
		vms:    vms,
		nodes:  nodes,
		cache:  cache,
		client: &http.Client{
			Timeout: 0, // streaming responses; dial bounded below
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: UpstreamDialTimeout}).DialContext,
				MaxIdleConnsPerHost: 16,
			},
		},
		log: log,
	}
}

// target is a fully resolved upstream: the reachable node host, agent port,
// and the VM the route points at.
type target struct {
	host      string
	agentPort int
	vmID      string
	privateIP string
}

// resolve maps a subdomain to its upstream target, applying the CGNAT
// routing rule: tunnel IP when assigned, public IP otherwise.
func (p *Proxy) resolve(ctx context.Context, subdomain string) (target, int, error) {
	r, ok := p.lookupRoute(ctx, subdomain)
	if !ok {
		return target{}, http.StatusNotFound, fmt.Errorf("no route for subdomain %q", subdomain)
	}
	if r.Status != route.StatusActive {
		return target{}, http.StatusServiceUnavailable, fmt.Errorf("route for %q not active", subdomain)
	}
	return p.targetForVM(ctx, r.VMID, r.VMPrivateIP)
}

func (p *Proxy) targetForVM(ctx context.Context, vmID, privateIP string) (target, int, error) {
	v, err := p.vms.GetVM(ctx, vmID)
	if err != nil {
		return target{}, http.StatusNotFound, fmt.Errorf("vm %s not found", vmID)
	}
	if v.Status != vm.StatusRunning {
		return target{}, http.StatusServiceUnavailable, fmt.Errorf("vm %s not running", vmID)
	}
	n, err := p.nodes.GetNode(ctx, v.NodeID)
	if err != nil {
		return target{}, http.StatusBadGateway, fmt.Errorf("host node %s not found", v.NodeID)
	}
	host := n.PublicIP
	if n.NATType == node.NATCGNAT {
		if n.CGNATInfo == nil || n.CGNATInfo.TunnelIP == "" {
			return target{}, http.StatusBadGateway, fmt.Errorf("cgnat node %s has no relay tunnel", n.ID)
		}
		host = n.CGNATInfo.TunnelIP
	}
	if privateIP == "" {
		privateIP = v.NetworkConfig.PrivateIP
	}
	return target{host: host, agentPort: n.AgentPort, vmID: vmID, privateIP: privateIP}, 0, nil
}

func (p *Proxy) lookupRoute(ctx context.Context, subdomain string) (route.Route, bool) {
	if p.cache != nil {
		if raw, err := p.cache.Get(ctx, "route:"+subdomain).Result(); err == nil {
			var r route.Route
			if json.Unmarshal([]byte(raw), &r) == nil {
				return r, true
			}
		}
	}
	r, ok, err := p.routes.GetRouteBySubdomain(ctx, subdomain)
	if err != nil || !ok {
		return route.Route{}, false
	}
	if p.cache != nil {
		if raw, err := json.Marshal(r); err == nil {
			p.cache.Set(ctx, "route:"+subdomain, raw, routeCacheTTL)
		}
	}
	return r, true
}

// ServeSubdomain handles one subdomain-tagged HTTP request.
func (p *Proxy) ServeSubdomain(w http.ResponseWriter, r *http.Request) {
	subdomain := strings.TrimSpace(r.Header.Get(SubdomainHeader))
	if subdomain == "" {
		http.Error(w, "missing subdomain header", http.StatusNotFound)
		return
	}

	tgt, status, err := p.resolve(r.Context(), subdomain)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	metrics.ProxySessionOpened("http")
	defer metrics.ProxySessionClosed("http")

	upstreamURL := fmt.Sprintf("http://%s:%d/internal/proxy/%s%s", tgt.host, tgt.agentPort, tgt.vmID, r.URL.RequestURI())
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		http.Error(w, "build upstream request failed", http.StatusInternalServerError)
		return
	}

	copyForwardHeaders(req.Header, r)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.WithError(err).WithField("subdomain", subdomain).Warn("upstream dial failed")
		http.Error(w, fmt.Sprintf("upstream %s unreachable: %v", tgt.host, err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, val := range vals {
			header.Add(k, val)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// copyForwardHeaders copies request headers upstream, stripping hop-by-hop
// headers and any client-supplied X-DeCloud-*, then
// appends the standard forwarding trio.
func copyForwardHeaders(dst http.Header, r *http.Request) {
	for k, vals := range r.Header {
		if isHopByHop(k) || strings.HasPrefix(strings.ToLower(k), "x-decloud-") {
			continue
		}
		for _, val := range vals {
			dst.Add(k, val)
		}
	}
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	dst.Set("X-Forwarded-For", clientIP)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	dst.Set("X-Forwarded-Proto", proto)
	dst.Set("X-Forwarded-Host", r.Host)
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
