// Package opcuaadapter adapts OPC-UA servers to the canonical frame model
// through a monitored-item subscription over a secure channel.
package opcuaadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
	"github.com/ROBOTdingDONG/fusionedge/internal/retry"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	CertificateFile string        `yaml:"certificate_file"`
	PrivateKeyFile  string        `yaml:"private_key_file"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// AllowInsecure permits security_mode "None" for bench setups. An
	// unencrypted channel is otherwise a configuration error.
	AllowInsecure bool        `yaml:"allow_insecure"`
	Tags          []TagConfig `yaml:"tags"`
}

// TagConfig defines a monitored node and the metric name it maps to.
type TagConfig struct {
	NodeID string `yaml:"node_id"`
	Name   string `yaml:"name"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "SignAndEncrypt"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "Basic256Sha256"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "FusionEdge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	for i := range c.Tags {
		if c.Tags[i].Name == "" {
			c.Tags[i].Name = c.Tags[i].NodeID
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Tags) == 0 {
		return errors.New("at least one tag must be configured")
	}
	if normalizeSecurityMode(c.SecurityMode) == "None" {
		if !c.AllowInsecure {
			return errors.New("security_mode none requires allow_insecure")
		}
		return nil
	}
	if c.CertificateFile == "" || c.PrivateKeyFile == "" {
		return errors.New("certificate_file and private_key_file are required for a secure channel")
	}
	return nil
}

// writeCommand is the payload shape the dispatcher encodes for OPC-UA.
type writeCommand struct {
	NodeID string  `json:"node_id"`
	Value  float64 `json:"value"`
}

// Adapter owns one OPC-UA session and subscription for one machine.
// Reconnection recreates the subscription from scratch: the supervising
// worker calls Connect again after a Stream failure, which resubscribes
// every configured tag.
type Adapter struct {
	machineID string
	cfg       Config
	obs       ports.Observability

	client    *opcua.Client
	sub       *opcua.Subscription
	notifyCh  chan *opcua.PublishNotificationData
	handleMap map[uint32]TagConfig
}

func New(machineID string, cfg Config, obs ports.Observability) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Adapter{machineID: machineID, cfg: cfg, obs: obs}, nil
}

func (a *Adapter) MachineID() string         { return a.machineID }
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolOPCUA }

// Connect opens the secure channel, creates the subscription, and monitors
// every configured tag.
func (a *Adapter) Connect(ctx context.Context) error {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(a.cfg.SecurityMode)),
		opcua.SecurityPolicy(a.cfg.SecurityPolicy),
		opcua.ApplicationName(a.cfg.ApplicationName),
	}
	if a.cfg.CertificateFile != "" {
		opts = append(opts,
			opcua.CertificateFile(a.cfg.CertificateFile),
			opcua.PrivateKeyFile(a.cfg.PrivateKeyFile),
		)
	}
	if a.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(a.cfg.Username, a.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(a.cfg.Endpoint, opts...)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("opcua new client: %w", err))
	}
	if err := client.Connect(ctx); err != nil {
		if isHandshakeError(err) {
			return fmt.Errorf("%w: opcua connect %s: %v", domain.ErrSecurityHandshake, a.cfg.Endpoint, err)
		}
		return fmt.Errorf("%w: opcua connect %s: %v", domain.ErrConnection, a.cfg.Endpoint, err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(a.cfg.Tags)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: a.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("%w: opcua subscribe: %v", domain.ErrConnection, err)
	}

	handleMap := make(map[uint32]TagConfig, len(a.cfg.Tags))
	for i, tag := range a.cfg.Tags {
		nodeID, err := ua.ParseNodeID(tag.NodeID)
		if err != nil {
			a.teardown(ctx, sub, client)
			return retry.NonRetryable(fmt.Errorf("parse node id %q: %w", tag.NodeID, err))
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			a.teardown(ctx, sub, client)
			return fmt.Errorf("%w: monitor node %q: %v", domain.ErrConnection, tag.NodeID, err)
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			a.teardown(ctx, sub, client)
			return fmt.Errorf("%w: monitor node %q refused", domain.ErrConnection, tag.NodeID)
		}
		handleMap[handle] = tag
	}

	a.client = client
	a.sub = sub
	a.notifyCh = notifyCh
	a.handleMap = handleMap
	return nil
}

// Stream consumes publish notifications until the context is cancelled or
// the subscription reports an error.
func (a *Adapter) Stream(ctx context.Context, out chan<- domain.RawFrame) error {
	if a.client == nil {
		return fmt.Errorf("%w: opcua adapter not connected", domain.ErrConnection)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notif := <-a.notifyCh:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				return fmt.Errorf("%w: opcua notification: %v", domain.ErrConnection, notif.Error)
			}
			frame, ok := a.frameFromNotification(notif.Value)
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- frame:
			}
		}
	}
}

func (a *Adapter) frameFromNotification(val interface{}) (domain.RawFrame, bool) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		a.obs.IncCounter(observability.MetricFramesMalformed, 1)
		a.obs.LogError("opcua_notification_dropped",
			fmt.Errorf("unexpected notification %T", val),
			ports.Field{Key: "machine_id", Value: a.machineID})
		return domain.RawFrame{}, false
	}

	samples := make([]domain.TelemetrySample, 0, len(data.MonitoredItems))
	var newest time.Time
	for _, item := range data.MonitoredItems {
		tag, ok := a.handleMap[item.ClientHandle]
		if !ok {
			continue
		}
		value, ok := variantToValue(item.Value.Value)
		if !ok {
			continue
		}
		samples = append(samples, domain.TelemetrySample{Name: tag.Name, Value: value})

		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.After(newest) {
			newest = ts
		}
	}
	if len(samples) == 0 {
		return domain.RawFrame{}, false
	}
	if newest.IsZero() {
		newest = time.Now()
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })

	return domain.RawFrame{
		MachineID:  a.machineID,
		Protocol:   domain.ProtocolOPCUA,
		Samples:    samples,
		SourceTime: newest.UTC(),
	}, true
}

// SendCommand writes the value described by the payload to its node.
func (a *Adapter) SendCommand(ctx context.Context, env domain.CommandEnvelope) error {
	if a.client == nil {
		return fmt.Errorf("%w: opcua adapter not connected", domain.ErrConnection)
	}
	var cmd writeCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return retry.NonRetryable(fmt.Errorf("opcua command payload: %w", err))
	}
	nodeID, err := ua.ParseNodeID(cmd.NodeID)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("opcua command node id %q: %w", cmd.NodeID, err))
	}
	variant, err := ua.NewVariant(cmd.Value)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("opcua command value: %w", err))
	}

	resp, err := a.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: opcua write: %v", domain.ErrConnection, err)
	}
	if len(resp.Results) == 0 || resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("opcua write rejected: %v", resp.Results)
	}
	return nil
}

func (a *Adapter) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if a.sub != nil {
		if e := a.sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
		a.sub = nil
	}
	if a.client != nil {
		if e := a.client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
		a.client = nil
	}
	a.notifyCh = nil
	a.handleMap = nil
	return err
}

func (a *Adapter) teardown(ctx context.Context, sub *opcua.Subscription, client *opcua.Client) {
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

func variantToValue(v *ua.Variant) (domain.MetricValue, bool) {
	if v == nil {
		return domain.MetricValue{}, false
	}
	switch val := v.Value().(type) {
	case float32:
		return domain.Number(float64(val)), true
	case float64:
		return domain.Number(val), true
	case int8:
		return domain.Number(float64(val)), true
	case uint8:
		return domain.Number(float64(val)), true
	case int16:
		return domain.Number(float64(val)), true
	case uint16:
		return domain.Number(float64(val)), true
	case int32:
		return domain.Number(float64(val)), true
	case uint32:
		return domain.Number(float64(val)), true
	case int64:
		return domain.Number(float64(val)), true
	case uint64:
		return domain.Number(float64(val)), true
	case bool:
		if val {
			return domain.Number(1), true
		}
		return domain.Number(0), true
	case string:
		return domain.Text(val), true
	default:
		return domain.MetricValue{}, false
	}
}

func isHandshakeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "certificate") ||
		strings.Contains(msg, "security") ||
		strings.Contains(msg, "identity")
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	case "", "none":
		return "None"
	default:
		return "SignAndEncrypt"
	}
}

var _ ports.Adapter = (*Adapter)(nil)
