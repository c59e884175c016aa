// Package trigger notifies the external scheduler that a failure-handling
// pipeline should run.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Trigger starts the named pipeline with the given payload (typically the
// failed step's captured logs).
type Trigger interface {
	TriggerPipeline(ctx context.Context, pipelineID string, payload string) error
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPTrigger posts trigger requests to the scheduler API.
type HTTPTrigger struct {
	client *resty.Client
}

func NewHTTPTrigger(cfg Config) (*HTTPTrigger, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("scheduler base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPTrigger{client: client}, nil
}

type triggerRequest struct {
	Payload string `json:"payload"`
}

func (t *HTTPTrigger) TriggerPipeline(ctx context.Context, pipelineID string, payload string) error {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return errors.New("pipeline id is required")
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(triggerRequest{Payload: payload}).
		Post("/api/pipelines/" + pipelineID + "/trigger")
	if err != nil {
		return fmt.Errorf("trigger pipeline %s: %w", pipelineID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("trigger pipeline %s: status %d: %s", pipelineID, resp.StatusCode(), resp.String())
	}
	return nil
}
