package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/snapshot"
)

const publishTimeout = 5 * time.Second

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

type Publisher struct {
	client      client
	topicPrefix string
	enabled     bool
	log         *zap.Logger
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false, log: log}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info("mqtt connected", zap.String("broker", cfg.Broker))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newPublisher(c, cfg.TopicPrefix, log), nil
}

func newPublisher(c client, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "eg4"
	}
	return &Publisher{client: c, topicPrefix: prefix, enabled: true, log: log}
}

// values flattens a reading into per-topic values.
func values(r reading.Reading) map[string]interface{} {
	switch v := r.(type) {
	case *reading.InverterSample:
		out := map[string]interface{}{
			"battery_soc":     v.Battery.SOC,
			"battery_power":   v.Battery.Power,
			"battery_voltage": v.Battery.Voltage,
			"pv_power":        v.PV.TotalPower,
			"grid_power":      v.Grid.Power,
			"grid_voltage":    v.Grid.Voltage,
			"load_power":      v.Load.Power,
		}
		for i, s := range v.PV.Strings {
			out[fmt.Sprintf("pv%d_power", i+1)] = s.Power
			out[fmt.Sprintf("pv%d_voltage", i+1)] = s.Voltage
		}
		return out
	case *reading.UtilityDaily:
		return map[string]interface{}{
			"peak_demand": v.PeakDemandKW,
			"date":        v.Date,
		}
	case *reading.SolarSummary:
		return map[string]interface{}{
			"today_energy": v.TodayKWh,
			"latest_power": v.LatestPowerW,
			"peak_power":   v.PeakPowerKW,
			"month_energy": v.MonthToDateKWh,
			"lifetime":     v.LifetimeMWh,
			"ac_voltage":   v.ACVoltageV,
		}
	}
	return nil
}

func (p *Publisher) publish(topic string, retained bool, payload interface{}) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Publish mirrors one bus update.
func (p *Publisher) Publish(u snapshot.Update) error {
	if !p.enabled {
		return nil
	}

	if u.Event != nil {
		payload, err := json.Marshal(u.Event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		return p.publish(p.topicPrefix+"/alerts", false, payload)
	}
	if u.Reading == nil {
		return nil
	}

	portal := u.Reading.Source()
	for name, value := range values(u.Reading) {
		topic := fmt.Sprintf("%s/%s/%s", p.topicPrefix, portal, name)
		if err := p.publish(topic, false, fmt.Sprintf("%v", value)); err != nil {
			p.log.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	stateJSON, err := json.Marshal(u.Reading)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/%s/state", p.topicPrefix, portal), true, stateJSON)
}

// Run publishes bus updates until ctx is done.
func (p *Publisher) Run(ctx context.Context, bus *snapshot.Bus) error {
	if !p.enabled {
		return nil
	}
	if err := p.PublishHomeAssistantDiscovery(); err != nil {
		p.log.Warn("home assistant discovery failed", zap.Error(err))
	}

	sub := bus.Subscribe()
	defer func() { sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C:
			if !ok {
				p.log.Warn("mqtt mirror fell behind, resubscribing")
				sub = bus.Subscribe()
				continue
			}
			if err := p.Publish(u); err != nil {
				p.log.Warn("mqtt publish failed", zap.Error(err))
			}
		}
	}
}

type sensor struct {
	Portal      reading.Portal
	Name        string
	ID          string
	Unit        string
	DeviceClass string
}

var sensors = []sensor{
	{reading.PortalEG4, "Battery SOC", "battery_soc", "%", "battery"},
	{reading.PortalEG4, "Battery Power", "battery_power", "W", "power"},
	{reading.PortalEG4, "Battery Voltage", "battery_voltage", "V", "voltage"},
	{reading.PortalEG4, "PV Power", "pv_power", "W", "power"},
	{reading.PortalEG4, "Grid Power", "grid_power", "W", "power"},
	{reading.PortalEG4, "Grid Voltage", "grid_voltage", "V", "voltage"},
	{reading.PortalEG4, "Load Power", "load_power", "W", "power"},
	{reading.PortalSRP, "Peak Demand", "peak_demand", "kW", "power"},
	{reading.PortalEnphase, "Energy Today", "today_energy", "kWh", "energy"},
	{reading.PortalEnphase, "Latest Power", "latest_power", "W", "power"},
}

func (p *Publisher) PublishHomeAssistantDiscovery() error {
	if !p.enabled {
		return nil
	}

	for _, s := range sensors {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/eg4_assistant/%s_%s/config", s.Portal, s.ID)

		config := map[string]interface{}{
			"name":                s.Name,
			"unique_id":           fmt.Sprintf("eg4_assistant_%s_%s", s.Portal, s.ID),
			"state_topic":         fmt.Sprintf("%s/%s/%s", p.topicPrefix, s.Portal, s.ID),
			"unit_of_measurement": s.Unit,
			"device": map[string]interface{}{
				"identifiers":  []string{"eg4_assistant_" + string(s.Portal)},
				"name":         fmt.Sprintf("EG4 Assistant %s", s.Portal),
				"manufacturer": "EG4 Assistant",
			},
		}
		if s.DeviceClass != "" {
			config["device_class"] = s.DeviceClass
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return err
		}
		if err := p.publish(discoveryTopic, true, payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
