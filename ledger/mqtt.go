/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package ledger

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTStore is a Store backed by retained MQTT messages, for deployments
// where client surfaces run on separate hosts and cannot share a
// directory. Each key maps to a retained message under TopicPrefix; the
// broker replays retained claims to the store at connect time, after
// which Get serves from a local cache kept current by the subscription.
type MQTTStore struct {
	client mqtt.Client
	prefix string
	qos    byte

	mu    sync.Mutex
	cache map[string][]byte
}

// MQTTStoreOptions configures the MQTT-backed store.
type MQTTStoreOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// NewMQTTStore creates and connects an MQTT-backed store, blocking until
// the broker has replayed any retained claims.
func NewMQTTStore(opts MQTTStoreOptions) (*MQTTStore, error) {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "softphone/ledger"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	s := &MQTTStore{
		client: client,
		prefix: opts.TopicPrefix,
		qos:    opts.QoS,
		cache:  make(map[string][]byte),
	}

	subToken := client.Subscribe(s.prefix+"/#", s.qos, s.onMessage)
	subToken.Wait()
	if err := subToken.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribing to ledger topics: %w", err)
	}

	return s, nil
}

// onMessage folds retained messages and live updates into the cache.
// An empty payload is a tombstone clearing the retained message.
func (s *MQTTStore) onMessage(_ mqtt.Client, msg mqtt.Message) {
	key := msg.Topic()[len(s.prefix)+1:]

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msg.Payload()) == 0 {
		delete(s.cache, key)
		return
	}
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	s.cache[key] = payload
}

func (s *MQTTStore) topic(key string) string {
	return s.prefix + "/" + key
}

// Get returns the cached value for key and whether it exists.
func (s *MQTTStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set publishes the value for key as a retained message and updates the
// local cache once the publish completes.
func (s *MQTTStore) Set(key string, value []byte) error {
	token := s.client.Publish(s.topic(key), s.qos, true, value)
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.cache[key] = v
	return nil
}

// Delete clears the retained message for key.
func (s *MQTTStore) Delete(key string) error {
	token := s.client.Publish(s.topic(key), s.qos, true, []byte{})
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

// Close disconnects from the broker.
func (s *MQTTStore) Close() error {
	s.client.Disconnect(1000)
	return nil
}
