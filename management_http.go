package hypergrid

import (
	"context"
	"net"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/hyp3rd/ewrap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer holds Fiber app and settings.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	ln           net.Listener
	started      bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// NewManagementHTTPServer builds an HTTP server holder (lazy start).
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
	})

	return srv
}

// memberInfo is the JSON view of a cluster member.
type memberInfo struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Incarnation uint64 `json:"incarnation"`
}

// Start launches listener (idempotent).
func (s *ManagementHTTPServer) Start(ctx context.Context, n *Node) error {
	if s.started {
		return nil
	}

	s.mountRoutes(n)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() {
		serr := s.app.Listener(ln)
		if serr != nil {
			n.logger.Warn("management http server exited", zap.Error(serr))
		}
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *ManagementHTTPServer) mountRoutes(n *Node) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, n)
	s.registerCaches(useAuth, n)
	s.registerCluster(useAuth, n)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, n *Node) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") }))
	s.app.Get("/stats", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(n.Stats()) }))
	s.app.Get("/config", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(fiber.Map{
			"nodeId":         n.ID(),
			"address":        n.cfg.Address,
			"numSegments":    n.cfg.NumSegments,
			"numOwners":      n.cfg.NumOwners,
			"virtualNodes":   n.cfg.VirtualNodes,
			"hashVersion":    n.cfg.HashVersion,
			"serializer":     n.cfg.Serializer,
			"reaperInterval": n.cfg.ReaperInterval.String(),
			"redis":          n.cfg.Redis.Addr != "",
		})
	}))
	s.app.Get("/topology", useAuth(func(fiberCtx fiber.Ctx) error {
		view := n.Topology()
		if view.ID() < 0 {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no topology installed"})
		}

		return fiberCtx.JSON(view.ToUpdate())
	}))
	s.app.Get("/metrics", useAuth(adaptor.HTTPHandler(promhttp.HandlerFor(n.Registry(), promhttp.HandlerOpts{}))))
}

func (s *ManagementHTTPServer) registerCaches(useAuth func(fiber.Handler) fiber.Handler, n *Node) {
	s.app.Get("/caches", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(n.CacheInfos(fiberCtx.Context()))
	}))
	s.app.Post("/caches/:name/reap", useAuth(func(fiberCtx fiber.Ctx) error {
		reaped, err := n.Reap(fiberCtx.Context(), fiberCtx.Params("name"))
		if err != nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.JSON(fiber.Map{"reaped": reaped})
	}))
	s.app.Post("/caches/:name/clear", useAuth(func(fiberCtx fiber.Ctx) error {
		err := n.ClearLocal(fiberCtx.Context(), fiberCtx.Params("name"))
		if err != nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.SendStatus(fiber.StatusOK)
	}))
}

func (s *ManagementHTTPServer) registerCluster(useAuth func(fiber.Handler) fiber.Handler, n *Node) {
	s.app.Get("/cluster/members", useAuth(func(fiberCtx fiber.Ctx) error {
		nodes := n.Membership().List()

		members := make([]memberInfo, 0, len(nodes))
		for _, m := range nodes {
			members = append(members, memberInfo{ID: string(m.ID), Address: m.Address, State: m.State.String(), Incarnation: m.Incarnation})
		}

		ring := n.Membership().Ring()

		return fiberCtx.JSON(fiber.Map{"replication": ring.Replication(), "virtualNodes": ring.VirtualNodesPerNode(), "members": members})
	}))
	s.app.Get("/cluster/ring", useAuth(func(fiberCtx fiber.Ctx) error {
		spots := n.Membership().Ring().VNodeHashes()

		return fiberCtx.JSON(fiber.Map{"count": len(spots), "vnodes": spots})
	}))
	s.app.Get("/cluster/owners", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		view := n.Topology()

		return fiberCtx.JSON(fiber.Map{"key": key, "segment": view.SegmentOf(key), "owners": view.OwnersOf(key)})
	}))
	s.app.Get("/cluster/heartbeat", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(n.HeartbeatMetrics())
	}))
}
