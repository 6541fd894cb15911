package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-funcworker/bindings"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"github.com/joeycumines/go-funcworker/logging"
)

// Server accepts HTTP requests forwarded by the host, hands them to the
// invocation with the matching id, and writes back the function's result.
type Server struct {
	coordinator *Coordinator
	logger      *logging.Logger
	sink        metrics.MetricSink
	app         *fiber.App
	ctx         context.Context
	cancel      context.CancelFunc
	ln          net.Listener
	serveErr    chan error
	mu          sync.Mutex
}

func NewServer(coordinator *Coordinator, logger *logging.Logger, sink metrics.MetricSink) *Server {
	x := Server{
		coordinator: coordinator,
		logger:      logger,
		sink:        telemetry.Sink(sink),
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	x.app = fiber.New(fiber.Config{
		AppName:               `funcworker`,
		DisableStartupMessage: true,
		Immutable:             true,
		ErrorHandler:          x.handleError,
	})
	x.app.All(`/*`, x.handle)
	return &x
}

// App exposes the underlying fiber app, e.g. for app.Test.
func (x *Server) App() *fiber.App { return x.app }

// Start listens on addr (host:port, port 0 picks a free port), serving in the
// background, and returns the base URI to advertise to the host.
func (x *Server) Start(addr string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ln != nil {
		return ``, errors.New(`httpproxy: server already started`)
	}
	ln, err := net.Listen(`tcp`, addr)
	if err != nil {
		return ``, fmt.Errorf(`httpproxy: listen %s: %w`, addr, err)
	}
	x.ln = ln
	x.serveErr = make(chan error, 1)
	go func() { x.serveErr <- x.app.Listener(ln) }()
	uri := `http://` + ln.Addr().String()
	x.logger.Info().Str(`uri`, uri).Log(`http fast path server started`)
	return uri, nil
}

// Shutdown stops accepting requests, and aborts pending ones.
func (x *Server) Shutdown(ctx context.Context) error {
	x.cancel()
	x.mu.Lock()
	started := x.ln != nil
	x.mu.Unlock()
	if !started {
		return nil
	}
	if err := x.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf(`httpproxy: shutdown: %w`, err)
	}
	select {
	case err := <-x.serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf(`httpproxy: serve: %w`, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (x *Server) handle(c *fiber.Ctx) error {
	id := c.Get(HeaderInvocationID)
	if id == `` {
		x.sink.IncrCounterWithLabels(telemetry.MetricHTTPRequestCount, 1, []metrics.Label{telemetry.LabelStatus.M(`missing_id`)})
		return fiber.NewError(fiber.StatusBadRequest, `header `+HeaderInvocationID+` not found`)
	}
	logger := x.logger.Clone().Str(logging.FieldInvocationID, id).Logger()
	logger.Debug().Log(`received http request`)

	x.coordinator.SetRequest(id, requestFromCtx(c))
	defer x.coordinator.Remove(id)

	ctx, cancel := context.WithCancel(c.UserContext())
	defer cancel()
	stop := context.AfterFunc(x.ctx, cancel)
	defer stop()

	v, err := x.coordinator.AwaitResponse(ctx, id)
	if err != nil {
		x.sink.IncrCounterWithLabels(telemetry.MetricHTTPRequestCount, 1, []metrics.Label{telemetry.LabelStatus.M(`error`)})
		logger.Warning().Err(err).Log(`http request failed`)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	res, err := bindings.AsHTTPResponse(v)
	if err != nil {
		x.sink.IncrCounterWithLabels(telemetry.MetricHTTPRequestCount, 1, []metrics.Label{telemetry.LabelStatus.M(`error`)})
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	x.sink.IncrCounterWithLabels(telemetry.MetricHTTPRequestCount, 1, []metrics.Label{telemetry.LabelStatus.M(strconv.Itoa(res.StatusCode))})
	logger.Debug().Int(`status`, res.StatusCode).Log(`sending http response`)
	return writeResponse(c, res)
}

func (x *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(code).SendString(err.Error())
}

func requestFromCtx(c *fiber.Ctx) *bindings.HTTPRequest {
	req := bindings.HTTPRequest{
		Method:  c.Method(),
		URL:     c.BaseURL() + c.OriginalURL(),
		Headers: make(map[string]string),
		Query:   c.Queries(),
		Body:    append([]byte{}, c.Body()...),
	}
	for k, v := range c.GetReqHeaders() {
		req.Headers[strings.ToLower(k)] = strings.Join(v, `, `)
	}
	return &req
}

func writeResponse(c *fiber.Ctx, res *bindings.HTTPResponse) error {
	c.Status(res.StatusCode)
	for k, v := range res.Headers {
		c.Set(k, v)
	}
	for _, v := range res.Cookies {
		c.Cookie(fiberCookie(v))
	}
	return c.Send(res.Body)
}

func fiberCookie(v *bindings.Cookie) *fiber.Cookie {
	c := fiber.Cookie{
		Name:     v.Name,
		Value:    v.Value,
		SameSite: string(v.SameSite),
	}
	if v.Domain != nil {
		c.Domain = *v.Domain
	}
	if v.Path != nil {
		c.Path = *v.Path
	}
	if v.Expires != nil {
		c.Expires = *v.Expires
	}
	if v.Secure != nil {
		c.Secure = *v.Secure
	}
	if v.HTTPOnly != nil {
		c.HTTPOnly = *v.HTTPOnly
	}
	if v.MaxAge != nil {
		c.MaxAge = int(math.Round(*v.MaxAge))
	}
	return &c
}

// SyncRouteParams copies route parameters from the trigger metadata of the
// invocation to req, skipping the headers and query entries.
func SyncRouteParams(req *bindings.HTTPRequest, metadata map[string]*bindings.Datum) {
	for k, d := range metadata {
		if k == `Headers` || k == `Query` || d == nil {
			continue
		}
		s, ok := d.Value.(string)
		if !ok || d.Type != bindings.TypeString {
			continue
		}
		if req.Params == nil {
			req.Params = make(map[string]string)
		}
		req.Params[k] = s
	}
}
