package transport

import (
	"context"
	"net"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
)

// CommandPath is the route nodes accept grid commands on.
const CommandPath = "/internal/grid/command"

const (
	httpReadTimeout  = 30 * time.Second
	httpWriteTimeout = 30 * time.Second
)

// Server exposes a Handler over HTTP. The request body is one encoded request; the
// Content-Type header selects the codec and the response is encoded with the same one.
type Server struct {
	app    *fiber.App
	ln     net.Listener
	addr   string
	h      Handler
	logger *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a server for h listening on addr once started.
func NewServer(addr string, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		app:    fiber.New(fiber.Config{ReadTimeout: httpReadTimeout, WriteTimeout: httpWriteTimeout}),
		addr:   addr,
		h:      h,
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(s)
	}

	s.app.Post(CommandPath, s.command)
	s.app.Get("/health", func(fctx fiber.Ctx) error { return fctx.SendString("ok") })

	return s
}

func (s *Server) command(fctx fiber.Ctx) error {
	codec := protocol.CodecFor(fctx.Get(fiber.HeaderContentType))

	req, err := codec.DecodeRequest(fctx.Body())
	if req == nil {
		return fctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var resp *protocol.Response
	if err != nil {
		resp = protocol.ErrorResponse(req, protocol.StatusInvalid, err)
	} else {
		resp = s.h.Handle(fctx.Context(), req)
	}

	body, err := codec.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Uint64("message_id", req.MessageID), zap.Error(err))

		return fctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	fctx.Set(fiber.HeaderContentType, codec.ContentType())

	return fctx.Send(body)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "grid http listen")
	}

	s.ln = ln

	go func() {
		serr := s.app.Listener(ln)
		if serr != nil {
			s.logger.Warn("grid http server exited", zap.Error(serr))
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}

	return s.addr
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.ln == nil {
		return nil
	}

	ch := make(chan error, 1)

	go func() { ch <- s.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrMgmtHTTPShutdownTimeout, "grid http server")
	case err := <-ch:
		return err
	}
}
