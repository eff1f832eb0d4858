package api

import "github.com/fako1024/loadvue/pkg/sensor"

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*API) {
	return func(api *API) {
		api.logger = logger
	}
}
