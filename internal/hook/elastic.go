package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/raphi011/rpbridge/internal/model"
)

// ElasticSearchHook mirrors every log batch sent to the reporting service
// into an elasticsearch index, so logs of a launch can be searched together
// with the logs of the system under test.
type ElasticSearchHook struct {
	client *elasticsearch.Client
	index  string
	log    *slog.Logger
}

func NewElasticSearchHook(url, index string, log *slog.Logger) (*ElasticSearchHook, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	return &ElasticSearchHook{
		client: client,
		index:  index,
		log:    log,
	}, nil
}

func (p *ElasticSearchHook) Name() string {
	return "elastic-search"
}

func (p *ElasticSearchHook) Init() error {
	res, err := p.client.Info()
	if err != nil {
		return fmt.Errorf("connecting to elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("connecting to elasticsearch: %s", res.String())
	}

	return nil
}

type logDocument struct {
	LaunchID   string    `json:"launchId"`
	ItemID     string    `json:"itemId,omitempty"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Time       time.Time `json:"@timestamp"`
	Attachment string    `json:"attachment,omitempty"`
}

func (p *ElasticSearchHook) LogBatchSent(ctx context.Context, launchID string, batch []model.LogRecord) {
	if err := p.indexBatch(ctx, launchID, batch); err != nil {
		p.log.Warn("unable to mirror logs to elasticsearch", "error", err, "records", len(batch))
	}
}

func (p *ElasticSearchHook) indexBatch(ctx context.Context, launchID string, batch []model.LogRecord) error {
	var body bytes.Buffer

	enc := json.NewEncoder(&body)

	for _, r := range batch {
		doc := logDocument{
			LaunchID: launchID,
			ItemID:   r.ItemID,
			Level:    r.Level,
			Message:  r.Message,
			Time:     r.Time,
		}

		// attachment payloads stay on the reporting service
		if r.Attachment != nil {
			doc.Attachment = r.Attachment.Name
		}

		if err := enc.Encode(map[string]any{"index": map[string]any{}}); err != nil {
			return err
		}

		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	res, err := p.client.Bulk(&body,
		p.client.Bulk.WithContext(ctx),
		p.client.Bulk.WithIndex(p.index),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request failed: %s", res.String())
	}

	var rs struct {
		Errors bool `json:"errors"`
	}

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(b, &rs); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}

	if rs.Errors {
		return fmt.Errorf("some documents were rejected")
	}

	return nil
}

// LaunchFinished refreshes the index so the mirrored logs of the launch are
// searchable right away.
func (p *ElasticSearchHook) LaunchFinished(launch model.Launch) {
	res, err := p.client.Indices.Refresh(p.client.Indices.Refresh.WithIndex(p.index))
	if err != nil {
		p.log.Warn("unable to refresh elasticsearch index", "error", err, "index", p.index)
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		p.log.Warn("unable to refresh elasticsearch index", "index", p.index, "response", res.String())
	}
}
