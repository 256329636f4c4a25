package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type enqueueFunc func(ctx context.Context, task *domain.Task) error

// vehicleRefreshHandler scrapes fresh data for one VIN through the
// parsers tier, then chains vehicle.update with the scraped fields.
func vehicleRefreshHandler(client *http.Client, parsersBase, apiKey string, enqueue enqueueFunc) port.TaskHandler {
	return func(ctx context.Context, task *domain.Task) error {
		var payload struct {
			CarID int    `json:"car_id"`
			VIN   string `json:"vin"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}

		url := fmt.Sprintf("%s/api/v1/parsers/scrape/dc/%s", parsersBase, payload.VIN)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("api-key", apiKey)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("parsers api: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("parsers api returned %d", resp.StatusCode)
		}
		scraped, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		return enqueue(ctx, &domain.Task{
			ID:          uuid.NewString(),
			Name:        "vehicle.update",
			Queue:       task.Queue,
			Payload:     scraped,
			MaxAttempts: 3,
			Backoff:     domain.DefaultBackoff,
		})
	}
}

// vehicleUpdateHandler hands scraped fields back to the entities API,
// which owns persistence.
func vehicleUpdateHandler(client *http.Client, entitiesBase string, log *zap.Logger) port.TaskHandler {
	return func(ctx context.Context, task *domain.Task) error {
		url := entitiesBase + "/api/v1/cars/update"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(task.Payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("entities api: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("entities api returned %d", resp.StatusCode)
		}
		log.Info("Applied scraped vehicle data",
			zap.String("id", task.ID), zap.Int("bytes", len(task.Payload)))
		return nil
	}
}

func listingsFetchHandler(client *http.Client, log *zap.Logger) port.TaskHandler {
	return func(ctx context.Context, task *domain.Task) error {
		var payload struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetching listings: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("listings source returned %d", resp.StatusCode)
		}
		n, _ := io.Copy(io.Discard, resp.Body)
		log.Info("Fetched listings page",
			zap.String("url", payload.URL), zap.Int64("bytes", n))
		return nil
	}
}

func feesParseHandler(log *zap.Logger) port.TaskHandler {
	return func(ctx context.Context, task *domain.Task) error {
		log.Info("Parsing fee schedule", zap.String("id", task.ID))
		return nil
	}
}
