package services

import (
	"context"
	"fmt"
	"log"
	"os"

	"googlemaps.github.io/maps"

	"github.com/kiese-app/kiese-backend/pkg/utils"
)

// RouteEstimator estimates travel durations with the Google Maps Directions
// API. When no API key is configured it falls back to a haversine estimate so
// ride creation keeps working offline.
type RouteEstimator struct {
	client *maps.Client
}

// NewRouteEstimator creates a RouteEstimator from the GOOGLE_MAPS_API_KEY env
// var. A missing key is not an error; the estimator degrades to haversine.
func NewRouteEstimator() (*RouteEstimator, error) {
	apiKey := os.Getenv("GOOGLE_MAPS_API_KEY")
	if apiKey == "" {
		log.Println("Warning: GOOGLE_MAPS_API_KEY not set. Using haversine travel estimates.")
		return &RouteEstimator{}, nil
	}

	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteEstimator{client: client}, nil
}

// EstimateDuration returns a human readable driving duration between two
// points, in French to match the client apps.
func (e *RouteEstimator) EstimateDuration(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (string, error) {
	if e.client == nil {
		return fallbackETA(fromLat, fromLng, toLat, toLng), nil
	}

	r := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", fromLat, fromLng),
		Destination: fmt.Sprintf("%f,%f", toLat, toLng),
		Mode:        maps.TravelModeDriving,
		Language:    "fr",
	}

	routes, _, err := e.client.Directions(ctx, r)
	if err != nil {
		return "", fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return "", fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	minutes := int(leg.Duration.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%d min", minutes), nil
}

func fallbackETA(fromLat, fromLng, toLat, toLng float64) string {
	distanceKm := utils.HaversineDistance(fromLat, fromLng, toLat, toLng)
	minutes := utils.CalculateETA(distanceKm, 0)
	return fmt.Sprintf("%d min", minutes)
}
