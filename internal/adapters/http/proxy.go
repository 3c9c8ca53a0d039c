package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/lighthouse-runner/internal/core/domain"
)

// ContainerLister finds containers for the proxy.
type ContainerLister interface {
	List(ctx context.Context, all bool) ([]domain.Container, error)
}

// ProxyHandler manages reverse proxying for subdomains.
type ProxyHandler struct {
	containers ContainerLister
	domain     string
	logger     *log.Logger
}

// NewProxyHandler proxies <name>.<domain> to the container called name.
func NewProxyHandler(containers ContainerLister, domain string, logger *log.Logger) *ProxyHandler {
	return &ProxyHandler{
		containers: containers,
		domain:     strings.Trim(strings.ToLower(domain), "."),
		logger:     logger.WithPrefix("proxy"),
	}
}

// ProxyRequest routes requests for <name>.<domain> to the running container
// called name. Any other host falls through to the API.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	subdomain, ok := subdomainOf(c.Hostname(), h.domain)
	if !ok {
		return c.Next()
	}

	containers, err := h.containers.List(c.Context(), false)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).SendString("Failed to list containers")
	}

	target, found := resolveTarget(containers, subdomain)
	if !found {
		return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("App '%s' not found or not running", subdomain))
	}

	remote, err := url.Parse("http://" + target)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Invalid target URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// Applications inside containers expect their own host.
		req.Host = remote.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.Warn("proxy failed", "app", subdomain, "target", target, "err", err)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprintf(w, "upstream %s unavailable", subdomain)
	}

	return adaptor.HTTPHandler(proxy)(c)
}

// subdomainOf returns the single label in front of domain.
func subdomainOf(host, domain string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, ok := strings.CutSuffix(strings.ToLower(host), "."+domain)
	if !ok || label == "" || label == "www" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// resolveTarget finds the address of the running container named name. The
// first container port is used when one is known, otherwise port 80.
func resolveTarget(containers []domain.Container, name string) (string, bool) {
	for _, ctr := range containers {
		if ctr.Name != name || ctr.State != "running" || ctr.IPAddress == "" {
			continue
		}
		port := "80"
		if len(ctr.Ports) > 0 {
			port = containerPort(ctr.Ports[0])
		}
		return net.JoinHostPort(ctr.IPAddress, port), true
	}
	return "", false
}

// containerPort extracts the container side of "host:container/proto" or
// "container/proto".
func containerPort(mapping string) string {
	mapping, _, _ = strings.Cut(mapping, "/")
	if i := strings.LastIndex(mapping, ":"); i >= 0 {
		mapping = mapping[i+1:]
	}
	return mapping
}
