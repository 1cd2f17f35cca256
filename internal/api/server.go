package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"bus-tracker/internal/db"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/geoloc"
	"bus-tracker/internal/passenger"
	"bus-tracker/internal/route"
	"bus-tracker/internal/session"
	"bus-tracker/internal/status"
	"bus-tracker/internal/tracker"
)

// RouteStore is the read side of route storage.
type RouteStore interface {
	ListRoutes(ctx context.Context) ([]string, error)
	LoadDocument(ctx context.Context, name string) (route.Document, error)
	LoadRoute(ctx context.Context, name string, day time.Time) (route.Route, error)
}

// Server exposes tracking control on the driver side and ETAs on the
// passenger side.
type Server struct {
	ctrl   *session.Controller
	status status.Consumer
	routes RouteStore
	board  passenger.Config
	// Source returns the live position source for a new session.
	Source func() geoloc.Source
}

func NewServer(ctrl *session.Controller, consumer status.Consumer, routes RouteStore, board passenger.Config) *Server {
	return &Server{
		ctrl:   ctrl,
		status: consumer,
		routes: routes,
		board:  board,
		Source: func() geoloc.Source { return geoloc.NewFeed() },
	}
}

func (s *Server) App() *fiber.App {
	webApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	webApp.Use(NewLogger())

	webApp.Get("/status", s.getStatus)

	routes := webApp.Group("/routes")
	routes.Get("/", s.listRoutes)
	routes.Get("/:name", s.getRoute)
	routes.Get("/:name/etas", s.getETAs)

	tracking := webApp.Group("/tracking")
	tracking.Post("/start", s.start)
	tracking.Post("/stop", s.stop)
	tracking.Post("/manual", s.manual)
	tracking.Post("/advance", s.advance)
	tracking.Post("/retreat", s.retreat)
	tracking.Post("/position", s.position)
	tracking.Post("/error", s.geolocationError)

	return webApp
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	app := s.App()
	errc := make(chan error, 1)
	go func() { errc <- app.Listen(addr) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return app.ShutdownWithTimeout(3 * time.Second)
	}
}

func fail(c *fiber.Ctx, code int, err error) error {
	c.Status(code)
	return c.JSON(fiber.Map{"error": err.Error()})
}

// failFor maps domain errors onto HTTP status codes.
func failFor(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, db.ErrRouteNotFound), errors.Is(err, status.ErrNotFound):
		return fail(c, fiber.StatusNotFound, err)
	case errors.Is(err, session.ErrNotTracking), errors.Is(err, session.ErrAlreadyTracking),
		errors.Is(err, tracker.ErrManualOverrideOff):
		return fail(c, fiber.StatusConflict, err)
	case errors.Is(err, route.ErrInvalidSchedule), errors.Is(err, route.ErrDataIntegrity):
		return fail(c, fiber.StatusUnprocessableEntity, err)
	case errors.Is(err, session.ErrEmptyQueue):
		return fail(c, fiber.StatusBadRequest, err)
	}
	return fail(c, fiber.StatusInternalServerError, err)
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	st, err := s.status.Read(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	return c.JSON(st)
}

func (s *Server) listRoutes(c *fiber.Ctx) error {
	names, err := s.routes.ListRoutes(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(names)
}

func (s *Server) getRoute(c *fiber.Ctx) error {
	doc, err := s.routes.LoadDocument(c.UserContext(), c.Params("name"))
	if err != nil {
		return failFor(c, err)
	}
	return c.JSON(doc)
}

func (s *Server) getETAs(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := s.routes.LoadDocument(c.UserContext(), name); err != nil {
		return failFor(c, err)
	}
	v, err := passenger.NewBoard(s.status, s.routes, name, s.board).View(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	return c.JSON(v)
}

type startRequest struct {
	Routes []string `json:"routes"`
}

func (s *Server) start(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	id, err := s.ctrl.Start(c.UserContext(), req.Routes, s.Source())
	if err != nil {
		return failFor(c, err)
	}
	c.Status(fiber.StatusCreated)
	return c.JSON(fiber.Map{"sessionId": id})
}

func (s *Server) stop(c *fiber.Ctx) error {
	if err := s.ctrl.Stop(); err != nil {
		return failFor(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// control runs a session command and answers with the resulting status.
func (s *Server) control(c *fiber.Ctx, fn func(context.Context) error) error {
	if err := fn(c.UserContext()); err != nil {
		return failFor(c, err)
	}
	st, err := s.ctrl.Status(c.UserContext())
	if errors.Is(err, session.ErrNotTracking) {
		// the command ended the session; the final status is in the store
		st, err = s.status.Read(c.UserContext())
	}
	if err != nil {
		return failFor(c, err)
	}
	return c.JSON(st)
}

type manualRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) manual(c *fiber.Ctx) error {
	var req manualRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	return s.control(c, func(ctx context.Context) error { return s.ctrl.SetManualOverride(ctx, req.Enabled) })
}

func (s *Server) advance(c *fiber.Ctx) error { return s.control(c, s.ctrl.Advance) }

func (s *Server) retreat(c *fiber.Ctx) error { return s.control(c, s.ctrl.Retreat) }

type positionRequest struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Accuracy float64  `json:"accuracy"`
	Speed    float64  `json:"speed"`
	// Timestamp is in Unix milliseconds; zero means now.
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) position(c *fiber.Ctx) error {
	var req positionRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if req.Lat == nil || req.Lng == nil {
		return fail(c, fiber.StatusBadRequest, errors.New("lat and lng are required"))
	}
	sample := geoloc.Sample{
		Position:  geo.Point{Lat: *req.Lat, Lng: *req.Lng},
		Accuracy:  req.Accuracy,
		Speed:     req.Speed,
		Timestamp: time.Now(),
	}
	if req.Timestamp > 0 {
		sample.Timestamp = time.UnixMilli(req.Timestamp)
	}
	return s.control(c, func(ctx context.Context) error { return s.ctrl.Push(ctx, geoloc.SampleFix(sample)) })
}

type errorRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (s *Server) geolocationError(c *fiber.Ctx) error {
	var req errorRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	fix := geoloc.ErrorFix(geoloc.ParseReason(req.Reason), req.Message)
	return s.control(c, func(ctx context.Context) error { return s.ctrl.Push(ctx, fix) })
}
