package api

import (
	"errors"
	"fmt"

	"github.com/fako1024/loadvue/pkg/history"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
	"github.com/gofiber/fiber/v2"
)

// API denotes a REST API for a sensor
type API struct {
	sensor sensor.Sensor
	router *fiber.App

	logger sensor.Logger
}

type statsProvider interface {
	Stats() history.Stats
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	State         string              `json:"state"`
	Error         string              `json:"error,omitempty"`
	Streaming     bool                `json:"streaming"`
	Unit          units.Unit          `json:"unit"`
	Resolution    int                 `json:"resolution"`
	SampleRate    float64             `json:"sample_rate"`
	ElapsedMillis int64               `json:"elapsed_ms"`
	Calibration   calibrationResponse `json:"calibration"`
}

type calibrationResponse struct {
	WeightPerCount          *float64 `json:"weight_per_count,omitempty"`
	WeightPerCountStatus    string   `json:"weight_per_count_status"`
	MillivoltsPerVolt       string   `json:"millivolts_per_volt,omitempty"`
	MillivoltsPerVoltStatus string   `json:"millivolts_per_volt_status"`
}

type extremaResponse struct {
	Peak float64    `json:"peak"`
	Low  float64    `json:"low"`
	Unit units.Unit `json:"unit"`
}

type weightPerCountRequest struct {
	Value *float64 `json:"value"`
}

type unitRequest struct {
	Unit string `json:"unit"`
}

type resolutionRequest struct {
	Resolution *int `json:"resolution"`
}

// New instantiates a new API, listening on the provided endpoint (if not empty)
func New(s sensor.Sensor, endpoint string, options ...func(*API)) *API {

	api := API{
		sensor: s,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
		logger: &sensor.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(&api)
	}

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Post("/stream/start", api.handleStartStream())
	api.router.Post("/stream/stop", api.handleStopStream())
	api.router.Post("/tare", api.handleTare())
	api.router.Put("/unit", api.handleSetUnit())
	api.router.Put("/resolution", api.handleSetResolution())

	api.router.Get("/calibration", api.handleCalibration())
	api.router.Post("/calibration/weight_per_count", api.handleRequestWeightPerCount())
	api.router.Put("/calibration/weight_per_count", api.handleSetWeightPerCount())
	api.router.Post("/calibration/millivolts_per_volt", api.handleRequestMillivoltsPerVolt())

	api.router.Get("/readings", api.handleReadings(s.All))
	api.router.Get("/readings/recent", api.handleReadings(s.Recent))
	api.router.Get("/readings/extrema", api.handleExtrema())
	api.router.Get("/readings/stats", api.handleStats())
	api.router.Delete("/readings", api.handleClearReadings())

	// Start to listen in goroutine
	if endpoint != "" {
		go func() {
			if err := api.router.Listen(endpoint); err != nil {
				api.logger.Errorf("failed to serve API on %s: %s", endpoint, err)
			}
		}()
	}

	return &api
}

// Shutdown stops serving the API
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.sensor.ConnectionStatus()
		resp := statusResponse{
			State:         status.State.String(),
			Streaming:     api.sensor.IsStreaming(),
			Unit:          api.sensor.Unit(),
			Resolution:    api.sensor.Resolution(),
			SampleRate:    api.sensor.SampleRate(),
			ElapsedMillis: api.sensor.ElapsedTime().Milliseconds(),
			Calibration:   newCalibrationResponse(api.sensor.CalibrationState()),
		}
		if status.Error != nil {
			resp.Error = status.Error.Error()
		}

		return c.JSON(resp)
	}
}

func (api *API) handleStartStream() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.sensor.StartStream(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleStopStream() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.sensor.StopStream(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleTare() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.sensor.Tare(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleSetUnit() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req unitRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("failed to parse request: %s", err))
		}

		if err := api.sensor.SetUnit(units.Canonical(req.Unit)); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleSetResolution() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req resolutionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("failed to parse request: %s", err))
		}
		if req.Resolution == nil {
			return fiber.NewError(fiber.StatusBadRequest, "missing resolution")
		}

		if err := api.sensor.SetResolution(*req.Resolution); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleCalibration() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(newCalibrationResponse(api.sensor.CalibrationState()))
	}
}

func (api *API) handleRequestWeightPerCount() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if _, err := api.sensor.RequestWeightPerCount(c.UserContext()); err != nil {
			return err
		}
		return c.JSON(newCalibrationResponse(api.sensor.CalibrationState()))
	}
}

func (api *API) handleSetWeightPerCount() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req weightPerCountRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("failed to parse request: %s", err))
		}
		if req.Value == nil {
			return fiber.NewError(fiber.StatusBadRequest, "missing value")
		}

		if err := api.sensor.SetManualWeightPerCount(*req.Value); err != nil {
			return err
		}
		return c.JSON(newCalibrationResponse(api.sensor.CalibrationState()))
	}
}

func (api *API) handleRequestMillivoltsPerVolt() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if _, err := api.sensor.RequestMillivoltsPerVolt(c.UserContext()); err != nil {
			return err
		}
		return c.JSON(newCalibrationResponse(api.sensor.CalibrationState()))
	}
}

func (api *API) handleReadings(fn func() sensor.Readings) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		readings := fn()
		if readings == nil {
			readings = sensor.Readings{}
		}
		return c.JSON(readings)
	}
}

func (api *API) handleExtrema() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		peak, low, ok := api.sensor.Extrema()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, sensor.ErrNoData.Error())
		}
		return c.JSON(extremaResponse{
			Peak: peak,
			Low:  low,
			Unit: api.sensor.Unit(),
		})
	}
}

func (api *API) handleStats() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		provider, ok := api.sensor.(statsProvider)
		if !ok {
			return fiber.ErrNotImplemented
		}
		return c.JSON(provider.Stats())
	}
}

func (api *API) handleClearReadings() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		api.sensor.ClearHistory()
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func newCalibrationResponse(state sensor.CalibrationState) calibrationResponse {
	resp := calibrationResponse{
		WeightPerCountStatus:    state.WeightPerCountStatus().String(),
		MillivoltsPerVoltStatus: state.MillivoltsPerVoltStatus().String(),
	}
	if state.HasWeightPerCount {
		v := state.WeightPerCount
		resp.WeightPerCount = &v
	}
	if state.HasMillivoltsPerVolt {
		resp.MillivoltsPerVolt = state.MillivoltsPerVolt
	}

	return resp
}

// errorHandler maps sensor errors onto HTTP status codes
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.Is(err, sensor.ErrInvalidResolution),
		errors.Is(err, sensor.ErrUnknownUnit),
		errors.Is(err, sensor.ErrInvalidValue):
		code = fiber.StatusBadRequest
	case errors.Is(err, sensor.ErrNoData),
		errors.Is(err, sensor.ErrSuperseded):
		code = fiber.StatusConflict
	case errors.Is(err, sensor.ErrNoResponse):
		code = fiber.StatusGatewayTimeout
	case errors.Is(err, sensor.ErrInvalidResponse):
		code = fiber.StatusBadGateway
	case errors.Is(err, sensor.ErrNotConnected):
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}
