// Package halong is a Go SDK for the halong reader API.
package halong

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"halong/internal/api"
)

// Re-exported response types.
type (
	BreadthResponse    = api.BreadthResponse
	IndicatorsResponse = api.IndicatorsResponse
	RankingResponse    = api.RankingResponse
)

// Client talks to a halong-reader over HTTP and, for health checks, gRPC.
type Client struct {
	baseURL  string
	grpcAddr string
	http     *resty.Client
}

// NewClient creates a client for the reader at baseURL. grpcAddr may be
// empty if Health is not used.
func NewClient(baseURL, grpcAddr string) *Client {
	return &Client{
		baseURL:  baseURL,
		grpcAddr: grpcAddr,
		http:     resty.New().SetBaseURL(baseURL).SetTimeout(30 * time.Second),
	}
}

// GetBreadth returns breadth rows for date (YYYY-MM-DD, empty for the
// latest) and group (empty for all groups).
func (c *Client) GetBreadth(ctx context.Context, date, group string) (*BreadthResponse, error) {
	q := map[string]string{}
	if date != "" {
		q["date"] = date
	}
	if group != "" {
		q["group"] = group
	}
	out := &BreadthResponse{}
	if err := c.get(ctx, "/api/breadth", q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetIndicators returns the last days technical rows for symbol.
func (c *Client) GetIndicators(ctx context.Context, symbol string, days int) (*IndicatorsResponse, error) {
	q := map[string]string{}
	if days > 0 {
		q["days"] = strconv.Itoa(days)
	}
	out := &IndicatorsResponse{}
	if err := c.get(ctx, "/api/indicators/"+symbol, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRanking returns the latest ranking.
func (c *Client) GetRanking(ctx context.Context) (*RankingResponse, error) {
	out := &RankingResponse{}
	if err := c.get(ctx, "/api/ranking", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// Health reports whether the reader has loaded its stores.
func (c *Client) Health(ctx context.Context) (bool, error) {
	if c.grpcAddr == "" {
		return false, fmt.Errorf("health: no gRPC address configured")
	}
	conn, err := grpc.NewClient(c.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("health: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	if err != nil {
		return false, fmt.Errorf("health: %w", err)
	}
	return resp.Status == healthpb.HealthCheckResponse_SERVING, nil
}
