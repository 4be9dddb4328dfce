// Package archive mirrors persisted events into OpenSearch for full-text
// search beyond the retention window.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/retention"
)

// Config holds OpenSearch connection and index settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
	FlushInterval time.Duration
	ShardCount    int
	ReplicaCount  int
}

// Client indexes events into daily indices named <prefix>-syslog-YYYY.MM.DD.
type Client struct {
	osClient *opensearch.Client
	config   Config
	logger   *logging.Logger
	bi       opensearchutil.BulkIndexer
	errLog   rate.Sometimes
}

// NewClient creates the OpenSearch client. Call Initialize before Observe.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "telhawk"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec
		},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &Client{
		osClient: client,
		config:   cfg,
		logger:   logging.OrNop(logger).Component("archive"),
		errLog:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// Initialize verifies the connection, installs the index template and
// starts the bulk indexer.
func (c *Client) Initialize(ctx context.Context) error {
	info, err := c.osClient.Info(c.osClient.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := c.createIndexTemplate(ctx); err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        c.osClient,
		FlushInterval: c.config.FlushInterval,
		OnError: func(_ context.Context, err error) {
			c.errLog.Do(func() {
				c.logger.Error("bulk indexing failed", logging.Error(err))
			})
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}
	c.bi = bi
	c.logger.Info("opensearch archive ready", "index_pattern", c.indexPattern())
	return nil
}

// IndexName returns the daily index for t.
func (c *Client) IndexName(t time.Time) string {
	return fmt.Sprintf("%s-syslog-%s", c.config.IndexPrefix, t.UTC().Format("2006.01.02"))
}

func (c *Client) indexPattern() string {
	return c.config.IndexPrefix + "-syslog-*"
}

// document is the indexed form of an event.
type document struct {
	*models.Event
	Timestamp    time.Time `json:"@timestamp"`
	SeverityName string    `json:"severity_name"`
	FacilityName string    `json:"facility_name"`
	Filters      []string  `json:"filters,omitempty"`
}

// Observe queues a written batch for bulk indexing. Event IDs are used as
// document IDs so a replayed batch overwrites instead of duplicating.
func (c *Client) Observe(ctx context.Context, batch []retention.Persisted) {
	if c.bi == nil {
		return
	}
	for _, p := range batch {
		data, err := json.Marshal(document{
			Event:        p.Event,
			Timestamp:    p.Event.ReceivedAt,
			SeverityName: models.SeverityName(p.Event.Severity),
			FacilityName: models.FacilityName(p.Event.Facility),
			Filters:      p.Result.Matched,
		})
		if err != nil {
			c.logger.Warn("failed to marshal event for archive", logging.EventID(p.Event.ID), logging.Error(err))
			continue
		}
		err = c.bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			Index:      c.IndexName(p.Event.ReceivedAt),
			DocumentID: p.Event.ID,
			Body:       bytes.NewReader(data),
			OnFailure: func(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				c.errLog.Do(func() {
					if err == nil {
						err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
					}
					c.logger.Error("failed to archive event", logging.EventID(item.DocumentID), logging.Error(err))
				})
			},
		})
		if err != nil {
			c.errLog.Do(func() {
				c.logger.Error("failed to queue event for archive", logging.Error(err))
			})
		}
	}
}

// Stats returns bulk indexer counters.
func (c *Client) Stats() opensearchutil.BulkIndexerStats {
	if c.bi == nil {
		return opensearchutil.BulkIndexerStats{}
	}
	return c.bi.Stats()
}

// Close flushes pending documents.
func (c *Client) Close(ctx context.Context) error {
	if c.bi == nil {
		return nil
	}
	return c.bi.Close(ctx)
}

func (c *Client) createIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{c.indexPattern()},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   c.config.ShardCount,
				"number_of_replicas": c.config.ReplicaCount,
				"refresh_interval":   "5s",
				"codec":              "best_compression",
			},
			"mappings": syslogMappings(),
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := c.osClient.Indices.PutIndexTemplate(
		c.config.IndexPrefix+"-syslog-template",
		bytes.NewReader(body),
		c.osClient.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s - %s", res.Status(), strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func syslogMappings() map[string]interface{} {
	keyword := map[string]interface{}{"type": "keyword"}
	return map[string]interface{}{
		"dynamic": false,
		"properties": map[string]interface{}{
			"@timestamp":      map[string]interface{}{"type": "date"},
			"received_at":     map[string]interface{}{"type": "date"},
			"timestamp":       map[string]interface{}{"type": "date"},
			"id":              keyword,
			"source_ip":       map[string]interface{}{"type": "ip"},
			"source_port":     map[string]interface{}{"type": "integer"},
			"listener_port":   map[string]interface{}{"type": "integer"},
			"transport":       keyword,
			"format":          keyword,
			"facility":        map[string]interface{}{"type": "byte"},
			"severity":        map[string]interface{}{"type": "byte"},
			"facility_name":   keyword,
			"severity_name":   keyword,
			"hostname":        keyword,
			"app_name":        keyword,
			"proc_id":         keyword,
			"msg_id":          keyword,
			"device_type":     keyword,
			"event_type":      keyword,
			"tags":            keyword,
			"filters":         keyword,
			"redacted":        map[string]interface{}{"type": "boolean"},
			"size_bytes":      map[string]interface{}{"type": "integer"},
			"message":         map[string]interface{}{"type": "text"},
			"raw_message":     map[string]interface{}{"type": "text", "index": false},
			"structured_data": map[string]interface{}{"type": "text"},
		},
	}
}
