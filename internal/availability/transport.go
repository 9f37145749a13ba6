package availability

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tinkubot/client-ai/pkg/logging"
)

// StartListener launches the singleton response-topic subscriber. It
// retries indefinitely on broker errors with a fixed backoff and
// resubscribes on every reconnect.
func (c *Coordinator) StartListener() {
	if !c.Enabled() {
		return
	}
	c.listenerOnce.Do(func() {
		go c.listenerLoop()
	})
}

func (c *Coordinator) listenerLoop() {
	for {
		lost := make(chan struct{})

		opts := c.clientOptions("listener")
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("availability listener disconnected", "error", err)
			close(lost)
		})
		opts.SetOnConnectHandler(func(client mqtt.Client) {
			token := client.Subscribe(c.cfg.TopicResponse, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
				c.handleResponse(msg.Payload())
			})
			token.Wait()
			if err := token.Error(); err != nil {
				c.logger.Warn("availability subscribe failed", "topic", c.cfg.TopicResponse, "error", err)
				return
			}
			c.logger.Info("subscribed to availability responses", "topic", c.cfg.TopicResponse)
		})

		client := c.newClient(opts)
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Warn("availability listener connect failed", "error", err)
			time.Sleep(listenerRetryBackoff)
			continue
		}

		<-lost
		client.Disconnect(0)
		time.Sleep(listenerRetryBackoff)
	}
}

// startPublisher launches the singleton publisher goroutine that drains
// the in-process queue.
func (c *Coordinator) startPublisher() {
	if !c.Enabled() {
		return
	}
	c.publisherOnce.Do(func() {
		go c.publisherLoop()
	})
}

func (c *Coordinator) enqueuePublish(job publishJob) {
	select {
	case c.publishCh <- job:
	default:
		// The queue only backs up under a sustained broker outage; by then
		// the request deadline governs whether the job is still worth it.
		go func() { c.publishCh <- job }()
	}
}

func (c *Coordinator) publisherLoop() {
	for job := range c.publishCh {
		if time.Now().After(job.deadline) {
			c.logger.Warn("availability request expired before publish", "req_id", job.reqID)
			continue
		}

		if err := c.publishOnce(job.payload); err != nil {
			c.logger.Error("availability publish failed", "req_id", job.reqID, "error", err)
			time.Sleep(publishRetryBackoff)
			// Retries stop once the state record is past its deadline, so a
			// broker outage cannot build up an unbounded queue.
			if time.Now().Before(job.deadline) {
				c.enqueuePublish(job)
			}
			continue
		}

		if logging.Sampled(job.reqID, c.cfg.LogSamplingRate) {
			c.logger.Info("availability request published", "req_id", job.reqID)
		}
	}
}

func (c *Coordinator) publishOnce(payload []byte) error {
	client, err := c.ensurePublisher()
	if err != nil {
		return err
	}
	token := client.Publish(c.cfg.TopicRequest, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("availability: publish timed out after %s", c.cfg.PublishTimeout)
	}
	return token.Error()
}

// ensurePublisher returns a connected publisher client, reconnecting under
// the mutex when the previous connection dropped.
func (c *Coordinator) ensurePublisher() (mqtt.Client, error) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.publisher != nil && c.publisher.IsConnected() {
		return c.publisher, nil
	}

	client := c.newClient(c.clientOptions("publisher"))
	token := client.Connect()
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return nil, fmt.Errorf("availability: broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("availability: broker connect failed: %w", err)
	}
	c.publisher = client
	c.logger.Info("availability publisher connected", "host", c.cfg.Host)
	return client, nil
}

func (c *Coordinator) clientOptions(role string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID(fmt.Sprintf("ai-clientes-%s", role)).
		SetAutoReconnect(false).
		SetConnectTimeout(c.cfg.PublishTimeout)
	if c.cfg.User != "" && c.cfg.Password != "" {
		opts.SetUsername(c.cfg.User)
		opts.SetPassword(c.cfg.Password)
	}
	return opts
}
