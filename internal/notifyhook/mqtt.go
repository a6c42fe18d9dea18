package notifyhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/model"
)

// mqttHook publishes the terminal batch payload to a configured MQTT topic,
// connecting fresh for each delivery to avoid holding a broker connection
// open between infrequent notification passes.
type mqttHook struct {
	broker   string
	topic    string
	username string
	password string
}

func newMQTTHook(h config.NotificationHook) *mqttHook {
	mh := &mqttHook{broker: h.Broker, topic: h.Topic}
	if h.Auth != nil {
		mh.username = h.Auth.Username
		mh.password = h.Auth.Password
	}
	return mh
}

func (m *mqttHook) Notify(ctx context.Context, batches []model.Batch) error {
	body, err := json.Marshal(toPayload(batches))
	if err != nil {
		return fmt.Errorf("notifyhook: marshal payload: %w", err)
	}

	opts := mqtt.NewClientOptions().
		SetClientID("cc-agency-scheduler").
		AddBroker(m.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("notifyhook: mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("notifyhook: mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	pub := client.Publish(m.topic, 1, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("notifyhook: mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("notifyhook: mqtt publish: %w", pub.Error())
	}
	return nil
}
