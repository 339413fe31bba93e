// Package mqtt wraps the paho client used to forward dashboard readings to a broker.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/CalebKornegay/DigitalDash/pkg/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
)

// Client wraps the MQTT client with topic helpers for one dashboard
type Client struct {
	client      mqtt.Client
	deviceID    string
	topicPrefix string
	qos         byte
	logger      *logrus.Logger
}

// clientOptions translates the broker settings into paho options.
// ws/wss URLs are used as-is, mqtt/mqtts are rewritten to tcp/ssl.
func clientOptions(cfg config.MQTT, logger *logrus.Logger) (*mqtt.ClientOptions, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	opts := mqtt.NewClientOptions()

	var brokerURL string
	switch parsedURL.Scheme {
	case "ws", "tcp":
		brokerURL = cfg.URL
	case "wss", "ssl", "tls":
		brokerURL = cfg.URL
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // self-signed brokers in the car
	case "mqtt":
		brokerURL = strings.Replace(cfg.URL, "mqtt://", "tcp://", 1)
	case "mqtts":
		brokerURL = strings.Replace(cfg.URL, "mqtts://", "ssl://", 1)
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // self-signed brokers in the car
	default:
		return nil, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts, tcp, ssl)", parsedURL.Scheme)
	}
	logger.WithField("protocol", parsedURL.Scheme).Debug("Using MQTT broker")

	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("digidash-%s", cfg.DeviceID))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Explicit credentials win over the ones embedded in the URL
	if parsedURL.User != nil {
		password, _ := parsedURL.User.Password()
		opts.SetUsername(parsedURL.User.Username())
		opts.SetPassword(password)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetWill(availabilityTopic(cfg.TopicPrefix, cfg.DeviceID), "offline", cfg.QoS, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})

	return opts, nil
}

// NewClient connects to the broker described by cfg
func NewClient(cfg config.MQTT, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(cfg.URL),
		"client_id": opts.ClientID,
	}).Info("MQTT client connected")

	c := &Client{
		client:      client,
		deviceID:    cfg.DeviceID,
		topicPrefix: cfg.TopicPrefix,
		qos:         cfg.QoS,
		logger:      logger,
	}
	return c, nil
}

// Publish publishes a message to the specified topic
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, c.qos, retained, payload)

	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, publishTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")

	return nil
}

// PublishAvailability publishes the retained online/offline status
func (c *Client) PublishAvailability(online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return c.Publish(c.AvailabilityTopic(), []byte(status), true)
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close marks the dashboard offline and disconnects
func (c *Client) Close() {
	if err := c.PublishAvailability(false); err != nil {
		c.logger.WithError(err).Warn("Failed to publish offline status")
	}
	c.client.Disconnect(quiesceMillis)
	c.logger.Debug("MQTT client disconnected")
}

// BaseTopic returns the base topic for this dashboard
func (c *Client) BaseTopic() string {
	return BuildCleanTopic(c.topicPrefix, c.deviceID)
}

// AvailabilityTopic returns the availability topic for this dashboard
func (c *Client) AvailabilityTopic() string {
	return availabilityTopic(c.topicPrefix, c.deviceID)
}

func availabilityTopic(prefix, deviceID string) string {
	return BuildCleanTopic(prefix, deviceID, "availability")
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}

// BuildCleanTopic ensures topic follows MQTT standards
func BuildCleanTopic(parts ...string) string {
	cleanParts := make([]string, 0, len(parts))
	for _, part := range parts {
		clean := strings.ReplaceAll(part, " ", "_")
		clean = strings.ReplaceAll(clean, "+", "plus")
		clean = strings.ReplaceAll(clean, "#", "hash")
		clean = strings.ToLower(clean)
		cleanParts = append(cleanParts, clean)
	}
	return strings.Join(cleanParts, "/")
}
