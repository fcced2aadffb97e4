// Package coordinator runs the two halves of the weather handshake.
//
// A consumer node (Refresher, Receiver) asks a capable peer for fresh
// weather and stores whatever record arrives. A producer node (Server)
// answers those requests, and its own schedule, by publishing the current
// record as a data item.
package coordinator

import (
	"context"
	"errors"

	"github.com/kjstillabower/weather-sync/internal/models"
	"github.com/kjstillabower/weather-sync/internal/transport"
)

const (
	// CapabilityRefresh is advertised by nodes that answer refresh requests.
	CapabilityRefresh = "weather_refresh"
	// PathRefresh carries an empty refresh request to one producer.
	PathRefresh = "/refresh-weather"
	// PathWeather carries the encoded record from producer to consumers.
	PathWeather = "/weather-today"
)

var (
	ErrTransport  = errors.New("transport failure")
	ErrNoEndpoint = errors.New("no capable endpoint")
)

// Source supplies the record a producer publishes.
type Source interface {
	Current(ctx context.Context) (models.Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (models.Record, error)

func (f SourceFunc) Current(ctx context.Context) (models.Record, error) { return f(ctx) }

// SelectEndpoint returns the first nearby endpoint, else the first endpoint.
// ok is false when eps is empty.
func SelectEndpoint(eps []transport.Endpoint) (ep transport.Endpoint, ok bool) {
	for _, e := range eps {
		if e.Nearby {
			return e, true
		}
	}
	if len(eps) == 0 {
		return transport.Endpoint{}, false
	}
	return eps[0], true
}
