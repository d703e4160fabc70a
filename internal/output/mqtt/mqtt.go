// Package mqtt publishes measurements to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/config"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/densitometer"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/output"
)

type MQTTOutput struct {
	client paho.Client
	topic  string
	qos    byte
}

// New connects to the broker configured in cfg.
func New(cfg config.MQTTConfig) (output.Output, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.BrokerURL).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &MQTTOutput{
		client: client,
		topic:  cfg.Topic,
		qos:    byte(cfg.QOS),
	}, nil
}

func (m *MQTTOutput) Publish(meas densitometer.Measurement) error {
	b, err := json.Marshal(meas)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s", m.topic, meas.Mode)
	token := m.client.Publish(topic, m.qos, false, b)
	token.Wait()
	return token.Error()
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}
