package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/forecast"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *airquality.Service, models *forecast.Manager) {
	v1 := app.Group("/api/v1")

	v1.Post("/ingest", func(c *fiber.Ctx) error {
		var req ingestRequest
		if err := bindBody(c, &req); err != nil {
			return err
		}
		if req.DaysBack == 0 {
			req.DaysBack = 7
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		report, err := service.Ingest(c.UserContext(), req.Cities, req.DaysBack)
		if report == nil {
			return toHTTPError(err)
		}
		if err != nil {
			// records were fetched but some writes failed
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
				"report":  report,
			})
		}
		return c.JSON(report)
	})

	v1.Get("/normalized", func(c *fiber.Ctx) error {
		q := normalizedQuery{City: c.Query("city"), DaysBack: c.QueryInt("days_back", 7)}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		policy, err := airquality.ParsePolicy(c.Query("policy"))
		if err != nil {
			return toHTTPError(err)
		}

		view, err := service.Normalized(c.UserContext(), q.City, q.DaysBack, policy)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(view)
	})

	v1.Get("/measurements", func(c *fiber.Ctx) error {
		city := c.Query("city")
		if city == "" {
			return fiber.NewError(fiber.StatusBadRequest, "city is required")
		}
		var p airquality.Parameter
		if raw := c.Query("parameter"); raw != "" {
			var ok bool
			if p, ok = airquality.ParseParameter(raw); !ok {
				return fiber.NewError(fiber.StatusBadRequest, "unknown parameter "+strconv.Quote(raw))
			}
		}

		to := time.Now().UTC()
		from := to.Add(-24 * time.Hour)
		var err error
		if s := c.Query("from"); s != "" {
			if from, err = parseTime(s); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		if s := c.Query("to"); s != "" {
			if to, err = parseTime(s); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		if to.Before(from) {
			return fiber.NewError(fiber.StatusBadRequest, "to must not be before from")
		}

		rows, err := service.Measurements(c.UserContext(), city, p, from, to)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(fiber.Map{
			"city":         city,
			"parameter":    p,
			"from":         from,
			"to":           to,
			"measurements": rows,
		})
	})

	v1.Get("/cities", func(c *fiber.Ctx) error {
		return c.JSON(service.Cities())
	})

	v1.Put("/cities", func(c *fiber.Ctx) error {
		var city airquality.City
		if err := bindBody(c, &city); err != nil {
			return err
		}
		if err := service.UpsertCity(city); err != nil {
			return toHTTPError(err)
		}
		return c.JSON(city)
	})

	v1.Post("/models/train", func(c *fiber.Ctx) error {
		var req modelRequest
		if err := bindBody(c, &req); err != nil {
			return err
		}
		p, err := req.parse()
		if err != nil {
			return err
		}

		m, err := models.Train(c.UserContext(), req.City, p)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(fiber.Map{
			"city":      req.City,
			"parameter": p,
			"metrics":   m,
			"model":     models.Active(req.City, p),
		})
	})

	v1.Get("/models", func(c *fiber.Ctx) error {
		city, raw := c.Query("city"), c.Query("parameter")
		if city == "" || raw == "" {
			return c.JSON(models.Statuses())
		}
		p, ok := airquality.ParseParameter(raw)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "unknown parameter "+strconv.Quote(raw))
		}
		versions, err := models.Versions(c.UserContext(), city, p)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(fiber.Map{
			"status":   models.Status(city, p),
			"versions": versions,
		})
	})

	v1.Post("/models/rollback", func(c *fiber.Ctx) error {
		var req rollbackRequest
		if err := bindBody(c, &req); err != nil {
			return err
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		p, err := req.parse()
		if err != nil {
			return err
		}

		snap, err := models.Rollback(c.UserContext(), req.City, p, req.Version)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(snap)
	})

	v1.Get("/forecast", func(c *fiber.Ctx) error {
		req := modelRequest{City: c.Query("city"), Parameter: c.Query("parameter")}
		p, err := req.parse()
		if err != nil {
			return err
		}
		hours, err := strconv.Atoi(c.Query("hours_ahead", "24"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "hours_ahead must be an integer")
		}

		f, err := models.Predict(c.UserContext(), req.City, p, hours)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(f)
	})
}

type ingestRequest struct {
	Cities   []string `json:"cities"`
	DaysBack int      `json:"days_back" validate:"min=1,max=365"`
}

type normalizedQuery struct {
	City     string `validate:"required"`
	DaysBack int    `validate:"min=1,max=365"`
}

type modelRequest struct {
	City      string `json:"city" validate:"required"`
	Parameter string `json:"parameter" validate:"required"`
}

func (r modelRequest) parse() (airquality.Parameter, error) {
	if err := validate.Struct(r); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	p, ok := airquality.ParseParameter(r.Parameter)
	if !ok {
		return "", fiber.NewError(fiber.StatusBadRequest, "unknown parameter "+strconv.Quote(r.Parameter))
	}
	return p, nil
}

type rollbackRequest struct {
	modelRequest
	Version int `json:"version" validate:"min=1"`
}

func bindBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

// ErrorHandler renders every error as a JSON body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) error {
	var code int
	switch {
	case err == nil:
		return nil
	case errors.Is(err, airquality.ErrUnknownCity),
		errors.Is(err, airquality.ErrInvalidCity),
		errors.Is(err, airquality.ErrInvalidArgument),
		errors.Is(err, forecast.ErrInvalidHorizon):
		code = fiber.StatusBadRequest
	case errors.Is(err, forecast.ErrNoModelAvailable),
		errors.Is(err, forecast.ErrVersionNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, forecast.ErrTrainingInProgress):
		code = fiber.StatusConflict
	case errors.Is(err, forecast.ErrInsufficientHistory):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
	default:
		code = fiber.StatusInternalServerError
	}
	return fiber.NewError(code, err.Error())
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
