// Package mtconnect adapts MTConnect agents to the canonical frame model.
// MTConnect is plain HTTP: the adapter polls the agent's /current document
// (or walks /sample when the agent advertises a next sequence) and flattens
// the XML observations into metric name/value pairs.
package mtconnect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Config captures the runtime details required to poll one MTConnect agent.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	// UseSample walks the agent's /sample endpoint by sequence instead of
	// re-reading /current, when the device supports streaming reads.
	UseSample bool `yaml:"use_sample"`
	// CommandPath is where command payloads are POSTed on the agent host.
	CommandPath string `yaml:"command_path"`
	// Items restricts collection to the named data items. Empty collects all.
	Items []ItemConfig `yaml:"items"`
}

// ItemConfig maps an MTConnect dataItemId to a metric name.
type ItemConfig struct {
	DataItemID string `yaml:"data_item_id"`
	Name       string `yaml:"name"`
}

func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CommandPath == "" {
		c.CommandPath = "/command"
	}
	for i := range c.Items {
		if c.Items[i].Name == "" {
			c.Items[i].Name = c.Items[i].DataItemID
		}
	}
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	return nil
}

// Adapter polls one MTConnect agent for one machine.
type Adapter struct {
	machineID string
	cfg       Config
	client    *http.Client
	obs       ports.Observability
	nameFor   map[string]string // dataItemId -> metric name, nil = take all
	nextSeq   uint64            // agent sequence for /sample walking
}

func New(machineID string, cfg Config, obs ports.Observability) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	var nameFor map[string]string
	if len(cfg.Items) > 0 {
		nameFor = make(map[string]string, len(cfg.Items))
		for _, it := range cfg.Items {
			nameFor[it.DataItemID] = it.Name
		}
	}
	return &Adapter{
		machineID: machineID,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		obs:       obs,
		nameFor:   nameFor,
	}, nil
}

func (a *Adapter) MachineID() string        { return a.machineID }
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolMTConnect }

// Connect verifies the agent is reachable and primes the sample cursor.
func (a *Adapter) Connect(ctx context.Context) error {
	doc, err := a.fetch(ctx, a.cfg.BaseURL+"/current")
	if err != nil {
		return fmt.Errorf("%w: mtconnect probe %s: %v", domain.ErrConnection, a.cfg.BaseURL, err)
	}
	a.nextSeq = doc.Header.NextSequence
	return nil
}

// Stream polls the agent until the context is cancelled or a request fails.
func (a *Adapter) Stream(ctx context.Context, out chan<- domain.RawFrame) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		target := a.cfg.BaseURL + "/current"
		if a.cfg.UseSample && a.nextSeq > 0 {
			target = fmt.Sprintf("%s/sample?from=%d", a.cfg.BaseURL, a.nextSeq)
		}

		doc, err := a.fetch(ctx, target)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedTelemetry) {
				// a garbled document is a data problem, not a link problem
				a.obs.IncCounter(observability.MetricFramesMalformed, 1)
				a.obs.LogError("mtconnect_document_dropped", err, ports.Field{Key: "machine_id", Value: a.machineID})
				continue
			}
			return fmt.Errorf("%w: mtconnect poll: %v", domain.ErrConnection, err)
		}
		if doc.Header.NextSequence > 0 {
			a.nextSeq = doc.Header.NextSequence
		}

		frame := doc.Frame(a.machineID, a.nameFor)
		if len(frame.Samples) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- frame:
		}
	}
}

// SendCommand POSTs the opaque payload to the agent's command path.
func (a *Adapter) SendCommand(ctx context.Context, env domain.CommandEnvelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.CommandPath, bytes.NewReader(env.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: mtconnect command: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mtconnect command rejected: %s", resp.Status)
	}
	return nil
}

func (a *Adapter) Disconnect() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) fetch(ctx context.Context, target string) (*streamsDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	doc, err := parseStreams(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedTelemetry, err)
	}
	return doc, nil
}

// parseValue turns an observation's text into a numeric or enumerated value.
func parseValue(s string) domain.MetricValue {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return domain.Number(f)
	}
	return domain.Text(s)
}

var _ ports.Adapter = (*Adapter)(nil)
